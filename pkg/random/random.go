package random

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

func String(n int) string {
	return Hex(n/2 + 1)[:n]
}

func Hex(bytes int) string {
	return hex.EncodeToString(Bytes(bytes))
}

func Bytes(n int) []byte {
	data := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		panic(err)
	}
	return data
}

// UUID returns a random (v4) UUID as an unhyphenated hex string.
func UUID() string {
	id := Bytes(16)
	id[6] &= 0x0F // clear version
	id[6] |= 0x40 // set version to 4 (random uuid)
	id[8] &= 0x3F // clear variant
	id[8] |= 0x80 // set to IETF variant
	return hex.EncodeToString(id)
}
