package scanpath

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ResolveError reports a context value that is missing or malformed for a
// placeholder. Renders stop at the first ResolveError and return it
// unchanged.
type ResolveError struct {
	Field  string
	Reason string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("cannot resolve {%s}: %s", e.Field, e.Reason)
}

// visitPattern matches visit identifiers such as "cm37235-2": a proposal
// reference followed by a session number.
var visitPattern = regexp.MustCompile(`^([A-Za-z]+[0-9]+)-[0-9]+$`)

// ProposalFromVisit derives the proposal reference from a visit string:
// the visit "cm37235-2" belongs to proposal "cm37235".
func ProposalFromVisit(visit string) (string, error) {
	m := visitPattern.FindStringSubmatch(visit)
	if m == nil {
		return "", &ResolveError{Field: "proposal", Reason: fmt.Sprintf("visit %q has no proposal prefix", visit)}
	}
	return m[1], nil
}

// DirectoryContext carries the request values available to a directory
// template render. Contexts are immutable request-scoped data and live for
// one render.
type DirectoryContext struct {
	Instrument string
	Visit      string
	Now        time.Time
}

// Resolve implements template.Resolver for directory fields.
func (c DirectoryContext) Resolve(f DirectoryField) (string, error) {
	switch f {
	case DirInstrument:
		if c.Instrument == "" {
			return "", &ResolveError{Field: "instrument", Reason: "not set in context"}
		}
		return c.Instrument, nil
	case DirVisit:
		if c.Visit == "" {
			return "", &ResolveError{Field: "visit", Reason: "not set in context"}
		}
		return c.Visit, nil
	case DirProposal:
		return ProposalFromVisit(c.Visit)
	case DirYear:
		return strconv.Itoa(yearOf(c.Now)), nil
	}
	return "", &ResolveError{Field: f.String(), Reason: "unresolvable field"}
}

// ScanContext carries the request values available to a scan template
// render, including the allocated scan number.
type ScanContext struct {
	Instrument   string
	Visit        string
	ScanNumber   int64
	Subdirectory string
	Metadata     map[string]string
	Now          time.Time
}

// Resolve implements template.Resolver for scan fields. The subdirectory
// resolves to the empty string when unset, which makes its path segment
// vanish.
func (c ScanContext) Resolve(f ScanField) (string, error) {
	switch f.kind {
	case scanInstrument:
		if c.Instrument == "" {
			return "", &ResolveError{Field: "instrument", Reason: "not set in context"}
		}
		return c.Instrument, nil
	case scanVisit:
		if c.Visit == "" {
			return "", &ResolveError{Field: "visit", Reason: "not set in context"}
		}
		return c.Visit, nil
	case scanProposal:
		return ProposalFromVisit(c.Visit)
	case scanYear:
		return strconv.Itoa(yearOf(c.Now)), nil
	case scanNumber:
		return strconv.FormatInt(c.ScanNumber, 10), nil
	case scanSubdirectory:
		return c.Subdirectory, nil
	case scanMetadata:
		v, ok := c.Metadata[f.key]
		if !ok {
			return "", &ResolveError{Field: f.key, Reason: "no metadata value for key"}
		}
		return v, nil
	}
	return "", &ResolveError{Field: f.String(), Reason: "unresolvable field"}
}

// DetectorContext is a ScanContext plus the detector being written.
type DetectorContext struct {
	ScanContext
	Detector string
}

// Resolve implements template.Resolver for detector fields.
func (c DetectorContext) Resolve(f DetectorField) (string, error) {
	if f.detector {
		if c.Detector == "" {
			return "", &ResolveError{Field: "detector", Reason: "not set in context"}
		}
		return c.Detector, nil
	}
	return c.ScanContext.Resolve(f.scan)
}

// yearOf returns the calendar year of t, defaulting to the current year
// when t is unset.
func yearOf(t time.Time) int {
	if t.IsZero() {
		return time.Now().Year()
	}
	return t.Year()
}
