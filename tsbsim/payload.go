package tsbsim

import (
	"io"

	"golang.org/x/crypto/sha3"
)

// NewPayloadReader returns an endless deterministic byte stream derived from
// seed. Two readers with the same seed produce identical streams, which lets
// a sender and a verifier agree on payload contents without sharing buffers.
func NewPayloadReader(seed string) io.Reader {
	return sha3.NewCShake256(nil, []byte(seed))
}

// Payload returns the first n bytes of the stream for seed.
func Payload(seed string, n int) []byte {
	buf := make([]byte, n)
	io.ReadFull(NewPayloadReader(seed), buf)
	return buf
}
