// Package template implements the placeholder template language used for
// data directory and scan file naming. A template is literal text mixed
// with `{name}` placeholders; each placeholder name must belong to a
// closed, caller-supplied field vocabulary. The only escape is a doubled
// opening brace `{{`, which produces a single literal `{`. A closing brace
// outside a placeholder is literal text.
package template

import (
	"fmt"
	"strings"
)

// Vocabulary resolves a placeholder name to a typed field, or rejects it.
// One vocabulary exists per template kind.
type Vocabulary[F any] func(name string) (F, error)

// Resolver maps a typed field to its string value for one render.
type Resolver[F any] interface {
	Resolve(field F) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc[F any] func(field F) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc[F]) Resolve(field F) (string, error) { return f(field) }

type partKind int

const (
	partLiteral partKind = iota
	partField
)

// part is one element of a parsed template: a literal run or a field.
type part[F any] struct {
	kind    partKind
	literal string
	field   F
}

// Template is an immutable parsed placeholder string. It is safe for
// concurrent use by any number of renders.
type Template[F any] struct {
	source string
	parts  []part[F]
}

// ErrorKind classifies template parse failures.
type ErrorKind int

const (
	// ErrNested marks an opening brace inside an unterminated placeholder.
	ErrNested ErrorKind = iota + 1
	// ErrEmpty marks a placeholder whose name is empty or pure whitespace.
	ErrEmpty
	// ErrIncomplete marks an open placeholder or pending brace at end of input.
	ErrIncomplete
	// ErrUnrecognised marks a placeholder name the vocabulary rejected.
	ErrUnrecognised
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNested:
		return "nested"
	case ErrEmpty:
		return "empty"
	case ErrIncomplete:
		return "incomplete"
	case ErrUnrecognised:
		return "unrecognised"
	}
	return "unknown"
}

// ParseError reports a template syntax failure with its byte position in
// the source string.
type ParseError struct {
	Kind     ErrorKind
	Position int
	Name     string // placeholder name, for ErrUnrecognised
	Cause    error  // vocabulary rejection, for ErrUnrecognised
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case ErrNested:
		return fmt.Sprintf("nested placeholder brace at position %d", e.Position)
	case ErrEmpty:
		return fmt.Sprintf("empty placeholder at position %d", e.Position)
	case ErrIncomplete:
		return fmt.Sprintf("unterminated placeholder at position %d", e.Position)
	case ErrUnrecognised:
		return fmt.Sprintf("unrecognised placeholder %q at position %d: %v", e.Name, e.Position, e.Cause)
	}
	return fmt.Sprintf("template parse error at position %d", e.Position)
}

func (e *ParseError) Unwrap() error { return e.Cause }

type parseState int

const (
	stateLiteral parseState = iota
	statePending             // saw '{': either an escape or a placeholder start
	statePlaceholder
)

// Parse builds a Template from a source string, validating every
// placeholder name against the vocabulary. Parsing is a single pass over
// bytes; all failures carry the byte position they were detected at.
func Parse[F any](src string, vocab Vocabulary[F]) (*Template[F], error) {
	var (
		parts   []part[F]
		literal strings.Builder
		name    strings.Builder
		state   = stateLiteral
	)

	flushLiteral := func() {
		if literal.Len() > 0 {
			parts = append(parts, part[F]{kind: partLiteral, literal: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch state {
		case stateLiteral:
			if c == '{' {
				state = statePending
			} else {
				literal.WriteByte(c)
			}

		case statePending:
			switch c {
			case '{':
				// Doubled brace escapes to one literal '{'.
				literal.WriteByte('{')
				state = stateLiteral
			case '}':
				return nil, &ParseError{Kind: ErrEmpty, Position: i}
			default:
				flushLiteral()
				name.WriteByte(c)
				state = statePlaceholder
			}

		case statePlaceholder:
			switch c {
			case '{':
				return nil, &ParseError{Kind: ErrNested, Position: i}
			case '}':
				raw := name.String()
				if strings.TrimSpace(raw) == "" {
					return nil, &ParseError{Kind: ErrEmpty, Position: i}
				}
				field, err := vocab(raw)
				if err != nil {
					return nil, &ParseError{Kind: ErrUnrecognised, Position: i, Name: raw, Cause: err}
				}
				parts = append(parts, part[F]{kind: partField, field: field})
				name.Reset()
				state = stateLiteral
			default:
				name.WriteByte(c)
			}
		}
	}

	if state != stateLiteral {
		return nil, &ParseError{Kind: ErrIncomplete, Position: len(src)}
	}
	flushLiteral()

	return &Template[F]{source: src, parts: parts}, nil
}

// Source returns the string the template was parsed from.
func (t *Template[F]) Source() string { return t.source }

// Fields returns every field the template references, in order of
// appearance. Repeated placeholders appear once per occurrence.
func (t *Template[F]) Fields() []F {
	var fields []F
	for _, p := range t.parts {
		if p.kind == partField {
			fields = append(fields, p.field)
		}
	}
	return fields
}

// Render walks the template parts in order, substituting each field with
// the resolver's value. The first resolution failure aborts the render and
// is returned unchanged.
func (t *Template[F]) Render(r Resolver[F]) (string, error) {
	var b strings.Builder
	b.Grow(len(t.source))
	for _, p := range t.parts {
		switch p.kind {
		case partLiteral:
			b.WriteString(p.literal)
		case partField:
			value, err := r.Resolve(p.field)
			if err != nil {
				return "", err
			}
			b.WriteString(value)
		}
	}
	return b.String(), nil
}

func (t *Template[F]) String() string { return t.source }
