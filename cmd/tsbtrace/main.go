// Command tsbtrace turns Saleae logic analyzer captures of a bridge debug
// probe into a CPort transfer log. The probe mirrors every AXI write burst
// of the GDMAC onto a SPI sideband as one transaction: a 4 byte bus address
// followed by the burst payload. tsbtrace reassembles contiguous bursts and
// annotates each one with the CPort transmit window it landed in.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/modulab/unipro/tsb"
	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "tsbtrace - decode Saleae captures of bridge DMA probe transactions into CPort transfers.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	sdio := flag.String("f-sd", "digital_1.bin", "Input filename: SPI SDO data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI clock data.")
	output := flag.String("o", "transfers.txt", "Output filename of the decoded transfer log.")
	flagOrder := flag.String("order", "le", "Byte order of the probe address word. Accepts 'be' or 'le'.")
	omitData := flag.Bool("omit-data", false, "Omit payload bytes in the output.")
	minLen := flag.Int("min-len", 0, "Drop merged bursts shorter than this many payload bytes.")
	flag.Parse()

	var order binary.ByteOrder
	switch *flagOrder {
	case "le":
		order = binary.LittleEndian
	case "be":
		order = binary.BigEndian
	default:
		log.Fatalln("invalid byte order", *flagOrder)
	}
	dec := decoder{Order: order, OmitData: *omitData, MinLen: *minLen}
	start := time.Now()
	if err := dec.run(*sdio, *enable, *clk, *output); err != nil {
		log.Fatal(err.Error())
	}
	log.Println("finished in", time.Since(start))
}

type decoder struct {
	Order    binary.ByteOrder
	OmitData bool
	MinLen   int
}

func (dec *decoder) run(sdio, enable, clk, output string) error {
	bursts, err := dec.processSpiFiles(sdio, clk, enable)
	if err != nil {
		return err
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()

	for _, b := range bursts {
		if len(b.Data) < dec.MinLen {
			continue
		}
		if !b.Mapped {
			_, err = fmt.Fprintf(fp, "tx×%2d addr=%#010x len=%4d t=%.6f unmapped\n", b.Num, b.Addr, len(b.Data), b.Start)
			if err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(fp, "tx×%2d cport=%3d off=%#06x len=%4d t=%.6f", b.Num, b.CPort, b.Off, len(b.Data), b.Start)
		if b.Off == 0 {
			// Writes at window offset zero carry the start of message
			// header the resumed parts of a transfer skip over.
			fmt.Fprint(fp, " som")
		}
		if !dec.OmitData {
			fmt.Fprintf(fp, " data=%#x", b.Data)
		}
		if _, err = fmt.Fprintln(fp); err != nil {
			return err
		}
	}
	return nil
}

func (dec *decoder) processSpiFiles(fsdio, fclk, fenable string) ([]burst, error) {
	sdio, err := opendigital(fsdio)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, sdio, sdio)
	var bursts []burst
	for i, tx := range txs {
		b, err := dec.burstFromBytes(tx.SDO)
		if err != nil {
			log.Printf("transaction %d: %v", i, err)
			continue
		}
		b.Start = tx.StartTime()
		bursts = append(bursts, b)
	}
	return mergeBursts(bursts), nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

// burst is one probe transaction, or several contiguous ones merged.
type burst struct {
	Num    int // Transactions merged into this burst.
	Addr   uint32
	CPort  uint16
	Off    uint32
	Mapped bool
	Data   []byte
	Start  float64
}

// burstFromBytes decodes one probe transaction: a 4 byte bus address
// followed by the payload the DMA wrote there.
func (dec *decoder) burstFromBytes(payload []byte) (burst, error) {
	if len(payload) < 4 {
		return burst{}, fmt.Errorf("transaction shorter than the address word: %d bytes", len(payload))
	}
	b := burst{Num: 1, Addr: dec.Order.Uint32(payload[:4]), Data: payload[4:]}
	b.CPort, b.Off, b.Mapped = tsb.TxBufCPort(b.Addr)
	return b, nil
}

// mergeBursts folds bursts that continue exactly where the previous one
// ended in the same CPort window, so a transfer split over several DMA ops
// reads as one line.
func mergeBursts(in []burst) []burst {
	var out []burst
	for _, b := range in {
		if n := len(out); n > 0 {
			prev := &out[n-1]
			contiguous := prev.Mapped && b.Mapped &&
				prev.CPort == b.CPort &&
				b.Addr == prev.Addr+uint32(len(prev.Data))
			if contiguous {
				prev.Data = append(prev.Data, b.Data...)
				prev.Num += b.Num
				continue
			}
		}
		out = append(out, b)
	}
	return out
}
