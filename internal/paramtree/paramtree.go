// Package paramtree resolves scalar values out of the loosely structured
// parameter trees reported by TR-069 devices.
//
// A device document is a nested JSON object whose leaves are usually parameter
// wrappers ({"_value": ..., "_timestamp": ..., "_writable": ...}). The shape of
// the tree depends on firmware and data model, so values are looked up through
// an ordered list of candidate paths and the first usable value wins.
package paramtree

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// ValueKey is the attribute holding the value of a parameter wrapper
const ValueKey = "_value"

// ErrInvalidDocument is returned when a device document is not a JSON object
var ErrInvalidDocument = errors.New("device document is not a valid JSON object")

// Path is one candidate location of a value, as an ordered list of segments
type Path []string

// ParsePath splits a dotted parameter name into a Path
func ParsePath(dotted string) Path {
	if dotted == "" {
		return nil
	}
	return Path(strings.Split(dotted, "."))
}

// ParsePaths parses several dotted parameter names at once
func ParsePaths(dotted ...string) []Path {
	paths := make([]Path, 0, len(dotted))
	for _, d := range dotted {
		paths = append(paths, ParsePath(d))
	}
	return paths
}

// String returns the dotted form of the path
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Tree is an immutable view over one device document
type Tree struct {
	root gjson.Result
}

// New wraps a raw device document
func New(raw []byte) (Tree, error) {
	if !gjson.ValidBytes(raw) {
		return Tree{}, ErrInvalidDocument
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Tree{}, ErrInvalidDocument
	}
	return Tree{root: root}, nil
}

// Raw returns the underlying JSON document
func (t Tree) Raw() string {
	return t.root.Raw
}

// Lookup returns the first value found along the candidate paths, together with
// the path that produced it. Missing segments, null, empty strings and
// non-scalar terminals all move on to the next candidate.
func (t Tree) Lookup(paths ...Path) (gjson.Result, Path, bool) {
	for _, p := range paths {
		if v, ok := t.resolve(p); ok {
			return v, p, true
		}
	}
	return gjson.Result{}, nil, false
}

// LookupString is Lookup with the value rendered as a string
func (t Tree) LookupString(paths ...Path) (string, Path, bool) {
	v, p, ok := t.Lookup(paths...)
	if !ok {
		return "", nil, false
	}
	return v.String(), p, true
}

// LookupFloat returns the first candidate that parses as a number.
// Values that do not parse are skipped rather than reported.
func (t Tree) LookupFloat(paths ...Path) (float64, Path, bool) {
	for _, p := range paths {
		v, ok := t.resolve(p)
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok {
			return f, p, true
		}
		log.Debug().
			Str("component", "paramtree").
			Str("path", p.String()).
			Str("value", v.String()).
			Msg("Skipping non-numeric parameter value")
	}
	return 0, nil, false
}

// LookupTime returns the first candidate that parses as a timestamp
func (t Tree) LookupTime(paths ...Path) (time.Time, Path, bool) {
	for _, p := range paths {
		v, ok := t.resolve(p)
		if !ok {
			continue
		}
		if ts, ok := toTime(v); ok {
			return ts, p, true
		}
	}
	return time.Time{}, nil, false
}

func (t Tree) resolve(p Path) (gjson.Result, bool) {
	if len(p) == 0 {
		return gjson.Result{}, false
	}

	cur := t.root
	for i, seg := range p {
		if !cur.IsObject() && !cur.IsArray() {
			log.Debug().
				Str("component", "paramtree").
				Str("path", p.String()).
				Str("segment", strings.Join(p[:i], ".")).
				Msg("Parameter path crosses a scalar value")
			return gjson.Result{}, false
		}
		cur = cur.Get(escape(seg))
		if !cur.Exists() {
			return gjson.Result{}, false
		}
	}

	if cur.IsObject() {
		cur = cur.Get(ValueKey)
		if !cur.Exists() {
			return gjson.Result{}, false
		}
	}

	switch cur.Type {
	case gjson.Null:
		return gjson.Result{}, false
	case gjson.String:
		if cur.Str == "" {
			return gjson.Result{}, false
		}
	case gjson.JSON:
		return gjson.Result{}, false
	}

	return cur, true
}

// leadingNumber accepts what a lenient float parser would: "-27.5 dBm" is -27.5
var leadingNumber = regexp.MustCompile(`^\s*[-+]?(\d+(\.\d*)?|\.\d+)([eE][-+]?\d+)?`)

func toFloat(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Num, true
	case gjson.String:
		m := leadingNumber.FindString(v.Str)
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(m), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toTime(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.String:
		ts, err := time.Parse(time.RFC3339Nano, v.Str)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case gjson.Number:
		return time.UnixMilli(v.Int()), true
	}
	return time.Time{}, false
}

// escape makes a literal key safe to use as a gjson path component
func escape(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		switch r {
		case '\\', '.', '*', '?', '|', '#', '@', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
