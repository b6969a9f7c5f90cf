package dsl

import (
	"fmt"
	"strings"
)

// Position identifies a node inside a workflow definition as a JSON pointer
// into the document, e.g. /do/0/fetch/try/0/inner. The zero value is the
// root. Positions are values; Child never mutates its receiver.
type Position struct {
	segs []string
}

// RootPos is the position of the workflow root.
var RootPos = Position{}

// ParsePosition parses a JSON pointer. The empty string is the root; anything
// else must start with '/' and contain no empty segments.
func ParsePosition(s string) (Position, error) {
	if s == "" {
		return Position{}, nil
	}
	if !strings.HasPrefix(s, "/") {
		return Position{}, fmt.Errorf("position %q: must start with '/'", s)
	}
	parts := strings.Split(s[1:], "/")
	segs := make([]string, len(parts))
	for i, p := range parts {
		if p == "" {
			return Position{}, fmt.Errorf("position %q: empty segment", s)
		}
		seg, err := unescapeSegment(p)
		if err != nil {
			return Position{}, fmt.Errorf("position %q: %w", s, err)
		}
		segs[i] = seg
	}
	return Position{segs: segs}, nil
}

// MustPosition is ParsePosition for compile-time constant pointers.
func MustPosition(s string) Position {
	p, err := ParsePosition(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Position) String() string {
	if len(p.segs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range p.segs {
		b.WriteByte('/')
		b.WriteString(escapeSegment(s))
	}
	return b.String()
}

// Child extends the position by the given segments.
func (p Position) Child(segs ...string) Position {
	out := make([]string, 0, len(p.segs)+len(segs))
	out = append(out, p.segs...)
	out = append(out, segs...)
	return Position{segs: out}
}

func (p Position) IsRoot() bool { return len(p.segs) == 0 }

// Segments returns a copy of the raw (unescaped) segments.
func (p Position) Segments() []string {
	out := make([]string, len(p.segs))
	copy(out, p.segs)
	return out
}

func (p Position) Equal(q Position) bool { return p.String() == q.String() }

func escapeSegment(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

func unescapeSegment(s string) (string, error) {
	if !strings.Contains(s, "~") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '~' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("dangling '~' escape")
		}
		switch s[i+1] {
		case '0':
			b.WriteByte('~')
		case '1':
			b.WriteByte('/')
		default:
			return "", fmt.Errorf("invalid escape ~%c", s[i+1])
		}
		i++
	}
	return b.String(), nil
}
