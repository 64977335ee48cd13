package simplestreams

import (
	"fmt"
	"regexp"
	"strings"
)

// Op is a filter comparison.
type Op string

const (
	OpEqual    Op = "="
	OpNotEqual Op = "!="
	OpMatch    Op = "~"
	OpNotMatch Op = "!~"
)

const missingString = "None"

// filterPattern splits "key op value". Keys are word characters, '-' and '|'.
var filterPattern = regexp.MustCompile(`^([\w|\-]+)\s*(!?[~=])\s*(.*)$`)

// Filter is a single predicate over an item's metadata.
type Filter struct {
	Key   string
	Op    Op
	Value string

	re *regexp.Regexp
}

// ParseFilter parses an expression such as "release=noble",
// "arch!=i386", "label~^(release|beta)$" or "release!~^x".
func ParseFilter(expr string) (Filter, error) {
	m := filterPattern.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return Filter{}, fmt.Errorf("invalid filter %q: expected key=value, key!=value, key~regex or key!~regex", expr)
	}

	f := Filter{Key: m[1], Op: Op(m[2]), Value: m[3]}
	if f.Op == OpMatch || f.Op == OpNotMatch {
		re, err := regexp.Compile(f.Value)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid filter %q: %w", expr, err)
		}
		f.re = re
	}
	return f, nil
}

// Matches reports whether md satisfies the filter. A missing key compares
// as the string "None", so it fails = and passes != for any ordinary value.
func (f Filter) Matches(md map[string]string) bool {
	v, ok := md[f.Key]
	if !ok {
		v = missingString
	}

	switch f.Op {
	case OpEqual:
		return v == f.Value
	case OpNotEqual:
		return v != f.Value
	case OpMatch:
		return ok && f.re.MatchString(v)
	case OpNotMatch:
		return !ok || !f.re.MatchString(v)
	}
	return false
}

func (f Filter) String() string {
	return f.Key + string(f.Op) + f.Value
}

// Filters is a conjunction.
type Filters []Filter

// ParseFilters parses every expression in exprs.
func ParseFilters(exprs []string) (Filters, error) {
	fs := make(Filters, 0, len(exprs))
	for _, e := range exprs {
		f, err := ParseFilter(e)
		if err != nil {
			return nil, err
		}
		fs = append(fs, f)
	}
	return fs, nil
}

// MustParseFilters is ParseFilters for constant expressions.
func MustParseFilters(exprs ...string) Filters {
	fs, err := ParseFilters(exprs)
	if err != nil {
		panic(err)
	}
	return fs
}

// Matches reports whether md satisfies every filter. An empty conjunction
// matches everything.
func (fs Filters) Matches(md map[string]string) bool {
	for _, f := range fs {
		if !f.Matches(md) {
			return false
		}
	}
	return true
}

// DefaultMirrorFilters select the disk images of an image-downloads stream.
func DefaultMirrorFilters() Filters {
	return MustParseFilters("datatype="+DatatypeImageDownloads, "ftype="+DiskItemName)
}
