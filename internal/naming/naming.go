// Package naming canonicalizes source field names into destination identifiers.
//
// The snake_case convention lower-cases names, folds diacritics, and collapses
// every run of non-alphanumeric characters into a single underscore. Because a
// normalized segment never contains a double underscore, "__" is reserved for
// joining nested paths: {"a": {"b": {"c": 1}}} yields the column a__b__c.
package naming

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/spaolacci/murmur3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// PathSeparator joins nested path segments into one identifier.
	PathSeparator = "__"

	// EmptyIdentifier replaces names that normalize to nothing.
	EmptyIdentifier = "_"

	// SnakeCaseName is the persisted identifier of the snake_case convention.
	SnakeCaseName = "snake_case"

	hashTagLength = 8
)

// Convention converts raw names into identifiers and joins them into paths.
type Convention interface {
	// Name returns the persisted convention identifier.
	Name() string
	// NormalizeIdentifier canonicalizes a single path segment.
	NormalizeIdentifier(raw string) string
	// MakePath joins already-normalized segments.
	MakePath(parts ...string) string
	// BreakPath splits a joined identifier into its segments.
	BreakPath(path string) []string
	// ShortenIdentifier enforces the maximum identifier length.
	ShortenIdentifier(name string) string
}

// SnakeCase is the default naming convention.
type SnakeCase struct {
	// MaxLength bounds identifier length in bytes. Zero means unbounded.
	MaxLength int
}

// NewSnakeCase returns a snake_case convention with an optional length bound.
func NewSnakeCase(maxLength int) *SnakeCase {
	return &SnakeCase{MaxLength: maxLength}
}

// ForName returns the convention registered under name.
func ForName(name string, maxLength int) (Convention, error) {
	switch name {
	case "", SnakeCaseName:
		return NewSnakeCase(maxLength), nil
	}
	return nil, fmt.Errorf("naming: unknown convention %q", name)
}

func (c *SnakeCase) Name() string { return SnakeCaseName }

// NormalizeIdentifier implements Convention.
func (c *SnakeCase) NormalizeIdentifier(raw string) string {
	folded, _, err := transform.String(foldTransformer(), raw)
	if err != nil {
		folded = raw
	}

	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		pendingSep = true
	}

	name := b.String()
	if name == "" {
		return EmptyIdentifier
	}
	if first, _ := utf8.DecodeRuneInString(name); unicode.IsDigit(first) {
		name = "_" + name
	}
	return c.ShortenIdentifier(name)
}

// MakePath implements Convention.
func (c *SnakeCase) MakePath(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return c.ShortenIdentifier(strings.Join(nonEmpty, PathSeparator))
}

// BreakPath implements Convention.
func (c *SnakeCase) BreakPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, PathSeparator)
}

// ShortenIdentifier truncates names over MaxLength and appends a murmur3 tag
// of the full name, so distinct long names stay distinct.
func (c *SnakeCase) ShortenIdentifier(name string) string {
	return shorten(name, c.MaxLength)
}

func shorten(name string, maxLength int) string {
	if maxLength <= 0 || len(name) <= maxLength {
		return name
	}
	tag := fmt.Sprintf("%08x", murmur3.Sum32([]byte(name)))
	keep := maxLength - hashTagLength - 1
	if keep <= 0 {
		return tag[:min(maxLength, hashTagLength)]
	}
	prefix := name[:keep]
	for !utf8.ValidString(prefix) {
		prefix = prefix[:len(prefix)-1]
	}
	return strings.TrimRight(prefix, "_") + "_" + tag
}

func foldTransformer() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// EncodeSourcePath joins raw path segments with "." and escapes literal dots
// and backslashes, so segment boundaries survive a round trip.
func EncodeSourcePath(segments ...string) string {
	var b strings.Builder
	for i, s := range segments {
		if i > 0 {
			b.WriteByte('.')
		}
		for _, r := range s {
			if r == '.' || r == '\\' {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DecodeSourcePath reverses EncodeSourcePath.
func DecodeSourcePath(path string) []string {
	if path == "" {
		return nil
	}
	var (
		segments []string
		cur      strings.Builder
		escaped  bool
	)
	for _, r := range path {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '.':
			segments = append(segments, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(segments, cur.String())
}
