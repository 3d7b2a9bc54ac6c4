// Package scanpath defines the placeholder vocabularies and request
// contexts for instrument data paths. Three template kinds exist, each
// with its own closed vocabulary: directory templates locate a visit's
// data directory, scan templates name the files of one scan, and detector
// templates name per-detector files. Unknown placeholder names are
// rejected when the template is parsed, not when it is rendered.
package scanpath

import (
	"fmt"
	"regexp"
)

// DirectoryField enumerates the placeholders legal in directory templates.
type DirectoryField int

const (
	DirInstrument DirectoryField = iota
	DirVisit
	DirProposal
	DirYear
)

func (f DirectoryField) String() string {
	switch f {
	case DirInstrument:
		return "instrument"
	case DirVisit:
		return "visit"
	case DirProposal:
		return "proposal"
	case DirYear:
		return "year"
	}
	return "unknown"
}

// DirectoryVocabulary resolves a placeholder name for directory templates.
func DirectoryVocabulary(name string) (DirectoryField, error) {
	switch name {
	case "instrument":
		return DirInstrument, nil
	case "visit":
		return DirVisit, nil
	case "proposal":
		return DirProposal, nil
	case "year":
		return DirYear, nil
	}
	return 0, fmt.Errorf("unknown directory placeholder %q", name)
}

type scanFieldKind int

const (
	scanInstrument scanFieldKind = iota
	scanVisit
	scanProposal
	scanYear
	scanNumber
	scanSubdirectory
	scanMetadata
)

// metadataKeyPattern constrains operator metadata keys to identifier shape.
var metadataKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ScanField is a placeholder legal in scan templates. Beyond the fixed
// fields, any identifier-shaped name is accepted as an operator metadata
// key; whether the key has a value is decided per render, from the
// request's metadata.
type ScanField struct {
	kind scanFieldKind
	key  string // metadata key when kind == scanMetadata
}

func (f ScanField) String() string {
	switch f.kind {
	case scanInstrument:
		return "instrument"
	case scanVisit:
		return "visit"
	case scanProposal:
		return "proposal"
	case scanYear:
		return "year"
	case scanNumber:
		return "scan_number"
	case scanSubdirectory:
		return "subdirectory"
	case scanMetadata:
		return f.key
	}
	return "unknown"
}

// ScanVocabulary resolves a placeholder name for scan templates.
func ScanVocabulary(name string) (ScanField, error) {
	switch name {
	case "instrument":
		return ScanField{kind: scanInstrument}, nil
	case "visit":
		return ScanField{kind: scanVisit}, nil
	case "proposal":
		return ScanField{kind: scanProposal}, nil
	case "year":
		return ScanField{kind: scanYear}, nil
	case "scan_number":
		return ScanField{kind: scanNumber}, nil
	case "subdirectory":
		return ScanField{kind: scanSubdirectory}, nil
	case "detector":
		return ScanField{}, fmt.Errorf("placeholder %q is only legal in detector templates", name)
	}
	if !metadataKeyPattern.MatchString(name) {
		return ScanField{}, fmt.Errorf("malformed placeholder name %q", name)
	}
	return ScanField{kind: scanMetadata, key: name}, nil
}

// DetectorField is a placeholder legal in detector templates: the scan
// vocabulary plus the detector name.
type DetectorField struct {
	scan     ScanField
	detector bool
}

func (f DetectorField) String() string {
	if f.detector {
		return "detector"
	}
	return f.scan.String()
}

// DetectorVocabulary resolves a placeholder name for detector templates.
func DetectorVocabulary(name string) (DetectorField, error) {
	if name == "detector" {
		return DetectorField{detector: true}, nil
	}
	sf, err := ScanVocabulary(name)
	if err != nil {
		return DetectorField{}, err
	}
	return DetectorField{scan: sf}, nil
}
