package types

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LoadID identifies one normalization batch. Its text form is
// "<unix seconds>.<6-digit microseconds>", which sorts in creation order
// for ids of equal width.
type LoadID struct {
	micros int64
}

// LoadIDGenerator generates time-ordered load ids. Ids generated within the
// same microsecond are bumped forward so every id is strictly greater than the
// previous one.
type LoadIDGenerator struct {
	mu   sync.Mutex
	last int64
}

// NewLoadIDGenerator creates a new load id generator.
func NewLoadIDGenerator() *LoadIDGenerator {
	return &LoadIDGenerator{}
}

// Generate creates a new load id for the current time.
func (g *LoadIDGenerator) Generate() LoadID {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime creates a new load id for t, keeping ids monotonic.
func (g *LoadIDGenerator) GenerateWithTime(t time.Time) LoadID {
	g.mu.Lock()
	defer g.mu.Unlock()

	micros := t.UnixMicro()
	if micros <= g.last {
		micros = g.last + 1
	}
	g.last = micros
	return LoadID{micros: micros}
}

// String returns the load id text.
func (id LoadID) String() string {
	sec := id.micros / 1_000_000
	frac := id.micros % 1_000_000
	return fmt.Sprintf("%d.%06d", sec, frac)
}

// Time returns the instant encoded in the id.
func (id LoadID) Time() time.Time {
	return time.UnixMicro(id.micros).UTC()
}

// Compare returns -1, 0 or 1 comparing id with other.
func (id LoadID) Compare(other LoadID) int {
	switch {
	case id.micros < other.micros:
		return -1
	case id.micros > other.micros:
		return 1
	}
	return 0
}

// ParseLoadID parses the text form produced by String.
func ParseLoadID(s string) (LoadID, error) {
	secPart, fracPart, ok := strings.Cut(s, ".")
	if !ok || secPart == "" || len(fracPart) != 6 {
		return LoadID{}, ErrInvalidLoadID
	}
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil || sec < 0 {
		return LoadID{}, ErrInvalidLoadID
	}
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil || frac < 0 {
		return LoadID{}, ErrInvalidLoadID
	}
	return LoadID{micros: sec*1_000_000 + frac}, nil
}
