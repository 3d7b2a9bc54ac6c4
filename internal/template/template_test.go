package template

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testField is a minimal field type for exercising the parser.
type testField string

var errUnknownField = errors.New("no such field")

func testVocab(name string) (testField, error) {
	switch name {
	case "key", "name", "value", "optional", "segment":
		return testField(name), nil
	}
	return "", fmt.Errorf("%w: %s", errUnknownField, name)
}

// mapResolver resolves fields from a fixed map, failing on absent entries.
type mapResolver map[testField]string

func (m mapResolver) Resolve(f testField) (string, error) {
	v, ok := m[f]
	if !ok {
		return "", fmt.Errorf("unresolvable field %q", string(f))
	}
	return v, nil
}

func TestParseLiteralPassthrough(t *testing.T) {
	sources := []string{
		"",
		"plain text",
		"closing } only",
		"} leading close",
		"trailing close }",
		"spaces   and\ttabs",
	}
	for _, src := range sources {
		t.Run(src, func(t *testing.T) {
			tpl, err := Parse(src, testVocab)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", src, err)
			}
			got, err := tpl.Render(mapResolver{})
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if got != src {
				t.Errorf("Render = %q, want %q", got, src)
			}
		})
	}
}

func TestParseEscapedBrace(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"{{", "{"},
		{"all {{ literal", "all { literal"},
		{"{{{{", "{{"},
		{"a{{b", "a{b"},
		{"{{}", "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			tpl, err := Parse(tt.src, testVocab)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.src, err)
			}
			got, err := tpl.Render(mapResolver{})
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		src  string
		kind ErrorKind
		pos  int
	}{
		{"missing {} key", ErrEmpty, 9},
		{"whitespace {  } key", ErrEmpty, 14},
		{"{nested{keys}}", ErrNested, 7},
		{"incomplete {key", ErrIncomplete, 15},
		{"{", ErrIncomplete, 1},
		{"open at end {", ErrIncomplete, 13},
		{"{bogus} rest", ErrUnrecognised, 6},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := Parse(tt.src, testVocab)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want %v error", tt.src, tt.kind)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("error %v is not a *ParseError", err)
			}
			if perr.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", perr.Kind, tt.kind)
			}
			if perr.Position != tt.pos {
				t.Errorf("Position = %d, want %d", perr.Position, tt.pos)
			}
		})
	}
}

func TestParseUnrecognisedKeepsCause(t *testing.T) {
	_, err := Parse("literal {bogus}", testVocab)
	if !errors.Is(err, errUnknownField) {
		t.Fatalf("error %v does not wrap the vocabulary rejection", err)
	}
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error %v is not a *ParseError", err)
	}
	if perr.Name != "bogus" {
		t.Errorf("Name = %q, want %q", perr.Name, "bogus")
	}
}

func TestRenderSubstitutesFields(t *testing.T) {
	tpl, err := Parse("{name}-scan-{key}.dat", testVocab)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	got, err := tpl.Render(mapResolver{"name": "i22", "key": "42"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if want := "i22-scan-42.dat"; got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestRenderPropagatesResolverError(t *testing.T) {
	tpl, err := Parse("before {value} after", testVocab)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	sentinel := errors.New("context is missing value")
	_, err = tpl.Render(ResolverFunc[testField](func(testField) (string, error) {
		return "", sentinel
	}))
	if !errors.Is(err, sentinel) {
		t.Fatalf("Render error = %v, want the resolver error unchanged", err)
	}
}

func TestRenderIsRepeatable(t *testing.T) {
	tpl, err := Parse("{name}/{key}", testVocab)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	first, err := tpl.Render(mapResolver{"name": "a", "key": "1"})
	if err != nil {
		t.Fatalf("first Render failed: %v", err)
	}
	second, err := tpl.Render(mapResolver{"name": "b", "key": "2"})
	if err != nil {
		t.Fatalf("second Render failed: %v", err)
	}
	if first != "a/1" || second != "b/2" {
		t.Errorf("renders = %q, %q; want a/1, b/2", first, second)
	}
}

func TestFields(t *testing.T) {
	tpl, err := Parse("{name} and {key} and {name}", testVocab)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := []testField{"name", "key", "name"}
	if diff := cmp.Diff(want, tpl.Fields()); diff != "" {
		t.Errorf("Fields mismatch (-want +got):\n%s", diff)
	}
}
