package naming

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_NormalizeIdentifier(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	conv := NewSnakeCase(0)

	properties.Property("normalization is idempotent", prop.ForAll(
		func(raw string) bool {
			once := conv.NormalizeIdentifier(raw)
			return conv.NormalizeIdentifier(once) == once
		},
		gen.AnyString(),
	))

	properties.Property("normalized segments never contain the path separator", prop.ForAll(
		func(raw string) bool {
			return !strings.Contains(conv.NormalizeIdentifier(raw), PathSeparator)
		},
		gen.AnyString(),
	))

	properties.Property("normalized segments never enter the reserved namespace", prop.ForAll(
		func(raw string) bool {
			return !strings.HasPrefix(conv.NormalizeIdentifier(raw), "_dlt_")
		},
		gen.AnyString(),
	))

	properties.Property("normalization is deterministic", prop.ForAll(
		func(raw string) bool {
			return conv.NormalizeIdentifier(raw) == NewSnakeCase(0).NormalizeIdentifier(raw)
		},
		gen.AlphaString(),
	))

	properties.Property("resolved names are unique across distinct originals", prop.ForAll(
		func(raws []string) bool {
			r := NewResolver(conv)
			existing := map[string]string{}
			owners := map[string]string{}
			for _, raw := range raws {
				name, err := r.Normalize(raw, existing)
				if err != nil {
					return false
				}
				if prev, ok := owners[name]; ok && prev != raw {
					return false
				}
				owners[name] = raw
				existing[name] = raw
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("Order Items", "order_items", "ORDER ITEMS", "order-items", "id", "ID", "_id")),
	))

	properties.TestingRun(t)
}
