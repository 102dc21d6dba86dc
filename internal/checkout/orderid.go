package checkout

import (
	"crypto/rand"
	"fmt"
	"time"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns "{productType}-{unixMillis}-{6 random base36 chars}".
// The suffix only has to make same-millisecond collisions across concurrent
// requests unlikely; it is not a cryptographic guarantee.
func NewID(productType string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = base36[int(b)%len(base36)]
	}
	return fmt.Sprintf("%s-%d-%s", productType, time.Now().UnixMilli(), buf)
}
