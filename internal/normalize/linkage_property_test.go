package normalize

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/schemaflow/schemaflow/internal/schema"
	"github.com/schemaflow/schemaflow/pkg/types"
)

// randomDoc builds a document of nested objects, arrays and scalars.
func randomDoc(rng *rand.Rand, depth int) types.Value {
	o := types.NewObject()
	for i, n := 0, 1+rng.Intn(4); i < n; i++ {
		o.Set(fmt.Sprintf("f%d", rng.Intn(6)), randomValue(rng, depth))
	}
	return types.ObjectValue(o)
}

func randomValue(rng *rand.Rand, depth int) types.Value {
	k := rng.Intn(7)
	if depth <= 0 {
		k = rng.Intn(4)
	}
	switch k {
	case 0:
		return types.Int(rng.Int63n(1000))
	case 1:
		return types.String(fmt.Sprintf("s%d", rng.Intn(100)))
	case 2:
		return types.Bool(rng.Intn(2) == 0)
	case 3:
		return types.Null()
	case 4, 5:
		elems := make([]types.Value, rng.Intn(4))
		for i := range elems {
			elems[i] = randomValue(rng, depth-1)
		}
		return types.Array(elems...)
	default:
		return randomDoc(rng, depth-1)
	}
}

func TestProperty_Linkage(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every child row points at an emitted parent row", prop.ForAll(
		func(seed int64, nesting int) bool {
			rng := rand.New(rand.NewSource(seed))
			cfg := DefaultConfig()
			cfg.MaxNesting = nesting
			cfg.RowIDMode = RowIDContent
			cfg.Contract.DataType = schema.ContractDiscardValue
			f, err := NewFlattener(schema.New("prop", nil), cfg)
			if err != nil {
				return false
			}
			res, err := f.Normalize(randomDoc(rng, 4), "root", testLoadID, 0)
			if err != nil {
				return false
			}

			ids := map[string]string{}
			for _, table := range res.TableOrder {
				for _, row := range res.Rows[table] {
					id, ok := row[schema.ColumnID].(string)
					if !ok || ids[id] != "" {
						return false
					}
					ids[id] = table
				}
			}
			for _, table := range res.TableOrder {
				tbl, ok := f.Update().Table(table)
				if !ok {
					return false
				}
				for _, row := range res.Rows[table] {
					if tbl.Parent == "" {
						if row[schema.ColumnLoadID] != testLoadID {
							return false
						}
						continue
					}
					parent, ok := row[schema.ColumnParentID].(string)
					if !ok || ids[parent] != tbl.Parent {
						return false
					}
					if _, ok := row[schema.ColumnListIdx].(int64); !ok {
						return false
					}
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 5),
	))

	properties.Property("list positions follow source order per parent", prop.ForAll(
		func(seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			items := make([]types.Value, rng.Intn(6))
			itemVals := make([]int64, len(items))
			for i := range items {
				itemVals[i] = rng.Int63n(1000)
				items[i] = types.Int(itemVals[i])
			}
			groups := make([]types.Value, rng.Intn(4))
			tagVals := make([][]string, len(groups))
			for g := range groups {
				tags := make([]types.Value, rng.Intn(5))
				for i := range tags {
					tagVals[g] = append(tagVals[g], fmt.Sprintf("t%d", rng.Intn(50)))
					tags[i] = types.String(tagVals[g][i])
				}
				o := types.NewObject()
				o.Set("tags", types.Array(tags...))
				groups[g] = types.ObjectValue(o)
			}
			doc := types.NewObject()
			doc.Set("items", types.Array(items...))
			doc.Set("groups", types.Array(groups...))

			f, err := NewFlattener(schema.New("prop", nil), DefaultConfig())
			if err != nil {
				return false
			}
			res, err := f.Normalize(types.ObjectValue(doc), "root", testLoadID, 0)
			if err != nil {
				return false
			}

			itemRows := res.Rows["root__items"]
			if len(itemRows) != len(itemVals) {
				return false
			}
			for i, row := range itemRows {
				if row[schema.ColumnListIdx] != int64(i) || row[schema.ColumnValue] != itemVals[i] {
					return false
				}
			}

			groupRows := res.Rows["root__groups"]
			if len(groupRows) != len(groups) {
				return false
			}
			groupIdx := map[string]int{}
			for i, row := range groupRows {
				if row[schema.ColumnListIdx] != int64(i) {
					return false
				}
				groupIdx[row[schema.ColumnID].(string)] = i
			}

			byParent := map[string][]types.Row{}
			for _, row := range res.Rows["root__groups__tags"] {
				parent, _ := row[schema.ColumnParentID].(string)
				byParent[parent] = append(byParent[parent], row)
			}
			total := 0
			for parent, rows := range byParent {
				g, ok := groupIdx[parent]
				if !ok || len(rows) != len(tagVals[g]) {
					return false
				}
				for i, row := range rows {
					if row[schema.ColumnListIdx] != int64(i) || row[schema.ColumnValue] != tagVals[g][i] {
						return false
					}
				}
				total += len(rows)
			}
			want := 0
			for _, tags := range tagVals {
				want += len(tags)
			}
			return total == want
		},
		gen.Int64(),
	))

	properties.Property("table order lists parents before children", prop.ForAll(
		func(seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			f, err := NewFlattener(schema.New("prop", nil), DefaultConfig())
			if err != nil {
				return false
			}
			res, err := f.Normalize(randomDoc(rng, 4), "root", testLoadID, 0)
			if err != nil {
				return false
			}
			seen := map[string]bool{}
			for _, table := range res.TableOrder {
				tbl, _ := f.Update().Table(table)
				if tbl.Parent != "" && !seen[tbl.Parent] {
					return false
				}
				seen[table] = true
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
