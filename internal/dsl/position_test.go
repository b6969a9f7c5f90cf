package dsl

import "testing"

func TestParsePositionRoundTrip(t *testing.T) {
	tests := []string{
		"",
		"/do/0/init",
		"/do/0/fetch/try/0/inner",
		"/do/2/par/fork/branches/1/b2",
		"/do/1/t/catch/do/0/recover",
		"/do/0/weird~0name",
		"/do/0/path~1seg",
	}
	for _, tt := range tests {
		t.Run(tt, func(t *testing.T) {
			p, err := ParsePosition(tt)
			if err != nil {
				t.Fatalf("ParsePosition(%q): %v", tt, err)
			}
			if got := p.String(); got != tt {
				t.Errorf("round trip = %q, want %q", got, tt)
			}
		})
	}
}

func TestParsePositionRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"no leading slash", "do/0/x"},
		{"empty segment", "/do//x"},
		{"trailing slash", "/do/0/"},
		{"dangling escape", "/do/0/x~"},
		{"bad escape", "/do/0/x~2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePosition(tt.in); err == nil {
				t.Errorf("ParsePosition(%q) accepted invalid pointer", tt.in)
			}
		})
	}
}

func TestPositionChild(t *testing.T) {
	root := RootPos
	if !root.IsRoot() {
		t.Fatal("zero position is not root")
	}
	p := root.Child("do", "0", "fetch")
	if p.String() != "/do/0/fetch" {
		t.Errorf("child = %q", p.String())
	}
	q := p.Child("try", "1", "inner")
	if q.String() != "/do/0/fetch/try/1/inner" {
		t.Errorf("grandchild = %q", q.String())
	}
	// Child must not mutate its receiver
	if p.String() != "/do/0/fetch" {
		t.Errorf("receiver mutated: %q", p.String())
	}
	if !p.Equal(MustPosition("/do/0/fetch")) {
		t.Error("Equal mismatch")
	}
}

func TestPositionEscaping(t *testing.T) {
	p := RootPos.Child("do", "0", "a/b~c")
	s := p.String()
	if s != "/do/0/a~1b~0c" {
		t.Fatalf("escaped = %q", s)
	}
	back, err := ParsePosition(s)
	if err != nil {
		t.Fatal(err)
	}
	segs := back.Segments()
	if segs[2] != "a/b~c" {
		t.Errorf("unescaped segment = %q", segs[2])
	}
}
