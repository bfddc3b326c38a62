package rng

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	mathrand "math/rand/v2"
	"sync"
	"time"
)

// SourceKind names the entropy source a sequence was drawn from.
type SourceKind string

const (
	SourceSecure SourceKind = "secure"
	SourceWeak   SourceKind = "weak"
)

// Source yields raw 32-bit words.
type Source interface {
	Uint32() (uint32, error)
}

type cryptoSource struct {
	r io.Reader
}

// NewCryptoSource returns a Source backed by the operating system CSPRNG.
func NewCryptoSource() Source {
	return &cryptoSource{r: rand.Reader}
}

// NewReaderSource returns a Source that reads little-endian words from r.
func NewReaderSource(r io.Reader) Source {
	return &cryptoSource{r: r}
}

func (s *cryptoSource) Uint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(s.r, buf[:]); err != nil {
		return 0, fmt.Errorf("read entropy: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// pcgSource is a non-cryptographic generator. It is safe for concurrent use.
type pcgSource struct {
	mu  sync.Mutex
	rnd *mathrand.Rand
}

// NewPCGSource returns a weak Source seeded with the given values.
func NewPCGSource(seed1, seed2 uint64) Source {
	return &pcgSource{rnd: mathrand.New(mathrand.NewPCG(seed1, seed2))}
}

// NewTimeSeededSource returns a weak Source seeded from the clock.
func NewTimeSeededSource() Source {
	now := uint64(time.Now().UnixNano())
	return NewPCGSource(now, now>>17|now<<47)
}

func (s *pcgSource) Uint32() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Uint32(), nil
}
