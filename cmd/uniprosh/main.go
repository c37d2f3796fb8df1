// Command uniprosh is an interactive console for driving a UniPro transmit
// engine against a simulated bridge. It exists to poke at the transfer
// path by hand: send messages, reset CPorts, watch channel routing and run
// soak traffic.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/modulab/unipro"
	"github.com/modulab/unipro/tsb"
	"github.com/modulab/unipro/tsbsim"
	"golang.org/x/exp/constraints"
)

const consoleKey = "$console"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "uniprosh - interactive console on a simulated UniPro bridge.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	verbose := flag.Bool("v", false, "Enable debug logging.")
	cports := flag.Uint("cports", tsbsim.DefaultCPorts, "CPorts of the simulated bridge.")
	channels := flag.Int("channels", 4, "DMA channels of the simulated bridge.")
	maxop := flag.Int("maxop", 4096, "Max bytes one DMA op may move, 0 for unbounded.")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	b := tsbsim.NewBridge(tsbsim.Config{
		CPorts:   uint16(*cports),
		Channels: *channels,
		MaxOpLen: *maxop,
		Logger:   logger,
	})
	defer b.Close()
	e, err := unipro.New(unipro.Config{DMA: b, Flow: b.Flow(), Fabric: b, Logger: logger})
	if err != nil {
		log.Fatalln("engine init failed:", err)
	}
	defer e.Close()

	sh := ishell.New()
	cs := &console{e: e, b: b, sh: sh}
	b.OnMessage = cs.onMessage
	sh.Set(consoleKey, cs)
	sh.SetPrompt("unipro> ")
	for _, cmd := range commands {
		sh.AddCmd(cmd)
	}

	if args := flag.Args(); len(args) > 0 {
		if err := sh.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	sh.Println("UniPro TX console on a", *cports, "CPort simulated bridge. Type 'help' for commands.")
	sh.Run()
}

// console holds the engine and bridge a shell session drives.
type console struct {
	e  *unipro.Engine
	b  *tsbsim.Bridge
	sh *ishell.Shell

	seq            atomic.Uint32
	quiet          atomic.Bool // Soak suppresses per message printing.
	delivered      atomic.Uint32
	deliveredBytes atomic.Uint64
}

func consoleFrom(c *ishell.Context) *console {
	return c.Get(consoleKey).(*console)
}

func (cs *console) onMessage(cport uint16, msg []byte) {
	cs.delivered.Add(1)
	cs.deliveredBytes.Add(uint64(len(msg)))
	if cs.quiet.Load() {
		return
	}
	head := msg
	if len(head) > 16 {
		head = head[:16]
	}
	cs.sh.Printf("recv cport=%d len=%d data=%#x\n", cport, len(msg), head)
}

var commands = []*ishell.Cmd{
	{
		Name:    "send",
		Aliases: []string{"s"},
		Help:    "CPORT TEXT... - send text as one message",
		Func: func(c *ishell.Context) {
			cs := consoleFrom(c)
			if len(c.Args) < 2 {
				c.Err(fmt.Errorf("usage: send CPORT TEXT..."))
				return
			}
			cport, err := parseCPort(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			payload := []byte(strings.Join(c.Args[1:], " "))
			start := time.Now()
			if err := cs.e.Send(cport, payload); err != nil {
				c.Err(err)
				return
			}
			c.Printf("sent %d bytes to cport %d in %s\n", len(payload), cport, time.Since(start).Round(time.Microsecond))
		},
	},
	{
		Name:    "sendn",
		Aliases: []string{"sn"},
		Help:    "CPORT BYTES - send a deterministic payload of BYTES bytes",
		Func: func(c *ishell.Context) {
			cs := consoleFrom(c)
			if len(c.Args) != 2 {
				c.Err(fmt.Errorf("usage: sendn CPORT BYTES"))
				return
			}
			cport, err := parseCPort(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			n, err := strconv.Atoi(c.Args[1])
			if err != nil || n < 0 {
				c.Err(fmt.Errorf("bad byte count %q", c.Args[1]))
				return
			}
			seed := fmt.Sprintf("console-%d", cs.seq.Add(1))
			start := time.Now()
			if err := cs.e.Send(cport, tsbsim.Payload(seed, n)); err != nil {
				c.Err(err)
				return
			}
			c.Printf("sent %d bytes to cport %d in %s\n", n, cport, time.Since(start).Round(time.Microsecond))
		},
	},
	{
		Name:    "reset",
		Aliases: []string{"r"},
		Help:    "CPORT - cancel queued transfers and reset the CPort",
		Func: func(c *ishell.Context) {
			cs := consoleFrom(c)
			if len(c.Args) != 1 {
				c.Err(fmt.Errorf("usage: reset CPORT"))
				return
			}
			cport, err := parseCPort(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			err = cs.e.RequestReset(cport, func() {
				cs.sh.Printf("reset of cport %d complete\n", cport)
			})
			if err != nil {
				c.Err(err)
			}
		},
	},
	{
		Name: "stats",
		Help: "print engine counters",
		Func: func(c *ishell.Context) {
			cs := consoleFrom(c)
			st := cs.e.Stats()
			c.Printf("sends=%d completes=%d cancels=%d dmaErrors=%d resets=%d\n",
				st.Sends, st.Completes, st.Cancels, st.DMAErrors, st.Resets)
			c.Printf("delivered=%d messages, %d bytes\n", cs.delivered.Load(), cs.deliveredBytes.Load())
		},
	},
	{
		Name: "channels",
		Help: "print the CPort each DMA channel is routed to",
		Func: func(c *ishell.Context) {
			for i, cp := range consoleFrom(c).e.Channels() {
				if cp == tsb.CPortNone {
					c.Printf("channel %d: unrouted\n", i)
				} else {
					c.Printf("channel %d: cport %d\n", i, cp)
				}
			}
		},
	},
	{
		Name: "soak",
		Help: "CPORTS MSGS SIZE - blast MSGS messages of SIZE bytes at each of CPORTS data cports",
		Func: func(c *ishell.Context) {
			cs := consoleFrom(c)
			if len(c.Args) != 3 {
				c.Err(fmt.Errorf("usage: soak CPORTS MSGS SIZE"))
				return
			}
			argv := make([]int, 3)
			for i, a := range c.Args {
				v, err := strconv.Atoi(a)
				if err != nil || v <= 0 {
					c.Err(fmt.Errorf("bad argument %q", a))
					return
				}
				argv[i] = v
			}
			ncports, msgs, size := argv[0], argv[1], int(alignup(uint32(argv[2]), 4))
			if ncports >= int(cs.e.CPortCount()) {
				c.Err(fmt.Errorf("only %d data cports available", cs.e.CPortCount()-1))
				return
			}
			cs.quiet.Store(true)
			defer cs.quiet.Store(false)
			start := time.Now()
			var wg sync.WaitGroup
			var fails atomic.Uint32
			for cp := 1; cp <= ncports; cp++ {
				wg.Add(1)
				go func(cport uint16) {
					defer wg.Done()
					for m := 0; m < msgs; m++ {
						seed := fmt.Sprintf("soak-%d-%d", cport, m)
						if err := cs.e.Send(cport, tsbsim.Payload(seed, size)); err != nil {
							fails.Add(1)
						}
					}
				}(uint16(cp))
			}
			wg.Wait()
			dur := time.Since(start)
			total := ncports * msgs
			c.Printf("%d messages of %d bytes, %d failed, %s (%.0f msg/s)\n",
				total, size, fails.Load(), dur.Round(time.Millisecond), float64(total)/dur.Seconds())
		},
	},
}

func parseCPort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad cport %q", s)
	}
	return uint16(v), nil
}

func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}
