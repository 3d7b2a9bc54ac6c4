package template

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath rejects path templates that contain a parent-directory or
// drive-prefix component. Structural validity is decided at construction,
// never at render time.
var ErrInvalidPath = errors.New("invalid path component")

// PathKind classifies a path template as absolute or relative. The
// classification is a structural property of the source string.
type PathKind int

const (
	Relative PathKind = iota
	Absolute
)

func (k PathKind) String() string {
	if k == Absolute {
		return "absolute"
	}
	return "relative"
}

// PathTemplate is a filesystem path whose segments are templates. Segments
// are rendered independently; a segment that renders to an empty string
// contributes no path element, which is how optional segments are
// expressed.
type PathTemplate[F any] struct {
	source   string
	kind     PathKind
	segments []*Template[F]
}

// ParsePath builds a PathTemplate from a slash-separated source string.
// A leading slash marks the template absolute. Current-directory
// components are dropped; parent-directory and drive-prefix components
// fail with ErrInvalidPath. Each remaining segment is parsed as a
// Template against the vocabulary.
func ParsePath[F any](src string, vocab Vocabulary[F]) (*PathTemplate[F], error) {
	kind := Relative
	if strings.HasPrefix(src, "/") {
		kind = Absolute
	}

	var segments []*Template[F]
	for _, comp := range strings.Split(src, "/") {
		switch {
		case comp == "" || comp == ".":
			continue
		case comp == "..":
			return nil, fmt.Errorf("component %q: %w", comp, ErrInvalidPath)
		case isDrivePrefix(comp):
			return nil, fmt.Errorf("component %q: %w", comp, ErrInvalidPath)
		}

		seg, err := Parse(comp, vocab)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", comp, err)
		}
		segments = append(segments, seg)
	}

	return &PathTemplate[F]{source: src, kind: kind, segments: segments}, nil
}

// isDrivePrefix reports whether a component begins with a Windows-style
// volume prefix such as "C:".
func isDrivePrefix(comp string) bool {
	if len(comp) < 2 || comp[1] != ':' {
		return false
	}
	c := comp[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Source returns the string the path template was parsed from.
func (p *PathTemplate[F]) Source() string { return p.source }

// Kind returns the absolute/relative classification.
func (p *PathTemplate[F]) Kind() PathKind { return p.kind }

// IsAbsolute reports whether the rendered path is rooted.
func (p *PathTemplate[F]) IsAbsolute() bool { return p.kind == Absolute }

// Fields returns every field referenced by any segment, in order.
func (p *PathTemplate[F]) Fields() []F {
	var fields []F
	for _, seg := range p.segments {
		fields = append(fields, seg.Fields()...)
	}
	return fields
}

// Render renders each segment in order and joins the non-empty results
// with path separators, rooted when the template is absolute. Empty
// segment renders vanish without leaving a doubled separator.
func (p *PathTemplate[F]) Render(r Resolver[F]) (string, error) {
	rendered := make([]string, 0, len(p.segments))
	for _, seg := range p.segments {
		s, err := seg.Render(r)
		if err != nil {
			return "", err
		}
		if s == "" {
			continue
		}
		rendered = append(rendered, s)
	}

	joined := strings.Join(rendered, "/")
	if p.kind == Absolute {
		return "/" + joined, nil
	}
	return joined, nil
}

func (p *PathTemplate[F]) String() string { return p.source }
