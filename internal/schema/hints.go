package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Hint names a column flag that default hints can force.
type Hint string

const (
	HintNotNull    Hint = "not_null"
	HintUnique     Hint = "unique"
	HintPrimaryKey Hint = "primary_key"
	HintForeignKey Hint = "foreign_key"
	HintRootKey    Hint = "root_key"
	HintMergeKey   Hint = "merge_key"
)

// Hints lists the supported hints in a fixed order.
var Hints = []Hint{HintNotNull, HintUnique, HintPrimaryKey, HintForeignKey, HintRootKey, HintMergeKey}

func (h Hint) valid() bool {
	for _, k := range Hints {
		if h == k {
			return true
		}
	}
	return false
}

// StandardHints returns the hints every new schema applies to the linkage columns.
func StandardHints() map[Hint][]string {
	return map[Hint][]string{
		HintNotNull:    {ColumnID, ColumnRootID, ColumnParentID, ColumnListIdx, ColumnLoadID},
		HintForeignKey: {ColumnParentID},
		HintRootKey:    {ColumnRootID},
		HintUnique:     {ColumnID},
	}
}

// RegexPrefix marks a pattern as a regular expression.
const RegexPrefix = "re:"

var patternCache sync.Map // string -> *regexp.Regexp

// MatchPattern reports whether name matches pattern, which is an exact name
// or a "re:" regular expression.
func MatchPattern(pattern, name string) (bool, error) {
	expr, ok := strings.CutPrefix(pattern, RegexPrefix)
	if !ok {
		return pattern == name, nil
	}
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp).MatchString(name), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false, fmt.Errorf("schema: invalid pattern %q: %w", pattern, err)
	}
	patternCache.Store(pattern, re)
	return re.MatchString(name), nil
}

func matchAny(patterns []string, name string) (bool, error) {
	for _, p := range patterns {
		ok, err := MatchPattern(p, name)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// ApplyHintsToColumn forces the default hints matching the column name.
// It reports whether the column changed.
func ApplyHintsToColumn(c *Column, settings *Settings) (bool, error) {
	changed := false
	for _, h := range Hints {
		patterns := settings.DefaultHints[h]
		if len(patterns) == 0 {
			continue
		}
		ok, err := matchAny(patterns, c.Name)
		if err != nil {
			return false, err
		}
		if ok && setHint(c, h) {
			changed = true
		}
	}
	return changed, nil
}

func setHint(c *Column, h Hint) bool {
	var flag *bool
	switch h {
	case HintNotNull:
		if !c.Nullable {
			return false
		}
		c.Nullable = false
		return true
	case HintUnique:
		flag = &c.Unique
	case HintPrimaryKey:
		flag = &c.PrimaryKey
	case HintForeignKey:
		flag = &c.ForeignKey
	case HintRootKey:
		flag = &c.RootKey
	case HintMergeKey:
		flag = &c.MergeKey
	default:
		return false
	}
	if *flag {
		return false
	}
	*flag = true
	return true
}

// ApplyDefaultHints forces the default hints on every column of t. It is
// idempotent: a second call reports no change.
func ApplyDefaultHints(t *Table, settings *Settings) (bool, error) {
	changed := false
	for _, c := range t.Columns.Values() {
		ok, err := ApplyHintsToColumn(c, settings)
		if err != nil {
			return false, fmt.Errorf("schema: table %s: %w", t.Name, err)
		}
		changed = changed || ok
	}
	return changed, nil
}

// PreferredType returns the preferred data type for a new column name.
// Exact-name patterns are checked before regular expressions; each group is
// checked in sorted order.
func PreferredType(name string, settings *Settings) (DataType, bool, error) {
	if len(settings.PreferredTypes) == 0 {
		return "", false, nil
	}
	if t, ok := settings.PreferredTypes[name]; ok {
		return t, true, nil
	}
	patterns := make([]string, 0, len(settings.PreferredTypes))
	for p := range settings.PreferredTypes {
		if strings.HasPrefix(p, RegexPrefix) {
			patterns = append(patterns, p)
		}
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		ok, err := MatchPattern(p, name)
		if err != nil {
			return "", false, err
		}
		if ok {
			return settings.PreferredTypes[p], true, nil
		}
	}
	return "", false, nil
}

// NewColumn builds a nullable column of the given type and applies the
// default hints to it.
func NewColumn(name string, dataType DataType, settings *Settings) (*Column, error) {
	c := &Column{Name: name, DataType: dataType, Nullable: true}
	if _, err := ApplyHintsToColumn(c, settings); err != nil {
		return nil, err
	}
	return c, nil
}

// NewLinkageColumn builds one of the reserved linkage columns with its
// fixed data type and the default hints applied.
func NewLinkageColumn(name string, settings *Settings) (*Column, error) {
	dt := TypeText
	if name == ColumnListIdx {
		dt = TypeBigint
	}
	c, err := NewColumn(name, dt, settings)
	if err != nil {
		return nil, err
	}
	c.Nullable = false
	switch name {
	case ColumnID:
		c.Unique = true
	case ColumnParentID:
		c.ForeignKey = true
	case ColumnRootID:
		c.RootKey = true
	}
	return c, nil
}
