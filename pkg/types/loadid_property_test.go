package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_LoadIDOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("load ids generated at later times compare greater", prop.ForAll(
		func(t1, t2 int64) bool {
			if t1 >= t2 {
				t1, t2 = t2, t1+1
			}
			g := NewLoadIDGenerator()
			a := g.GenerateWithTime(time.UnixMicro(t1))
			b := g.GenerateWithTime(time.UnixMicro(t2))
			return a.Compare(b) < 0
		},
		gen.Int64Range(1_000_000_000_000_000, 2_000_000_000_000_000),
		gen.Int64Range(1_000_000_000_000_000, 2_000_000_000_000_000),
	))

	properties.Property("load ids within the same instant are strictly increasing", prop.ForAll(
		func(ts int64, count int) bool {
			g := NewLoadIDGenerator()
			at := time.UnixMicro(ts)
			prev := g.GenerateWithTime(at)
			for i := 1; i < count; i++ {
				curr := g.GenerateWithTime(at)
				if prev.Compare(curr) >= 0 {
					return false
				}
				prev = curr
			}
			return true
		},
		gen.Int64Range(1_000_000_000_000_000, 2_000_000_000_000_000),
		gen.IntRange(2, 100),
	))

	properties.Property("parse inverts string", prop.ForAll(
		func(ts int64) bool {
			id := NewLoadIDGenerator().GenerateWithTime(time.UnixMicro(ts))
			parsed, err := ParseLoadID(id.String())
			return err == nil && parsed.Compare(id) == 0
		},
		gen.Int64Range(0, 4_000_000_000_000_000),
	))

	properties.TestingRun(t)
}
