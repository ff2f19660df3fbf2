// Package rand produces non-cryptographic random identifiers for RPC frames.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	bytesInUint64 = 8
	charset       = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var charsetLen = len(charset)

var defaultSource = newSource()

type source struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSource() *source {
	seed := make([]byte, bytesInUint64*2)
	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &source{
		//nolint:gosec // no security required
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

// NewRequestID returns a random base62 string of the given length.
// The distribution is not perfectly uniform, which is fine for frame ids.
func NewRequestID(length int) string {
	buf := make([]byte, length)

	defaultSource.mu.Lock()
	for i := 0; i < length; i += bytesInUint64 {
		v := defaultSource.rng.Uint64()
		for j := 0; j < bytesInUint64 && i+j < length; j++ {
			buf[i+j] = charset[int(byte(v>>(8*j)))%charsetLen]
		}
	}
	defaultSource.mu.Unlock()

	return string(buf)
}

// Jitter returns d scaled by a random factor in [1-factor, 1+factor].
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	defaultSource.mu.Lock()
	f := defaultSource.rng.Float64()
	defaultSource.mu.Unlock()

	out := float64(d) + float64(d)*factor*(2*f-1)
	if out < 0 {
		return 0
	}
	return time.Duration(out)
}
