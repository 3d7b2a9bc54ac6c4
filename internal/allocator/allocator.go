// Package allocator ties the pieces of scan numbering together: the
// instruments store is the authority, the legacy tracker directory is the
// advisory second counter, and allocation reconciles the two with a
// max-then-increment merge. Rendering resolves an instrument's stored
// templates against request-scoped contexts and never allocates.
package allocator

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"scantrack/internal/history"
	"scantrack/internal/scanpath"
	"scantrack/internal/store"
	"scantrack/internal/template"
	"scantrack/internal/tracker"
)

var (
	// ErrUnconfigured means an operation needs a template the instrument
	// does not have yet.
	ErrUnconfigured = errors.New("template not configured")

	// ErrInvalidInstrumentName rejects instrument names that cannot double
	// as tracker directory names.
	ErrInvalidInstrumentName = errors.New("invalid instrument name")

	// ErrInvalidExtension rejects tracker extensions outside ASCII
	// alphanumerics.
	ErrInvalidExtension = errors.New("invalid tracker extension")
)

var (
	instrumentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	extensionPattern      = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// Service owns allocation, synchronisation and rendering for all
// instruments. Safe for concurrent use; per-instrument ordering comes from
// the store's transactional increment, not from locks held here.
type Service struct {
	store       *store.Store
	ledger      *history.Ledger
	trackerRoot string
	logger      *zap.Logger
	now         func() time.Time
}

// New creates the service. trackerRoot is the directory holding one legacy
// tracker directory per instrument; empty disables tracker reconciliation
// globally.
func New(st *store.Store, trackerRoot string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       st,
		trackerRoot: trackerRoot,
		logger:      logger,
		now:         time.Now,
	}
}

// SetLedger attaches the allocation history ledger. Without one,
// allocations go unrecorded.
func (s *Service) SetLedger(l *history.Ledger) {
	s.ledger = l
}

// trackerFor returns the instrument's tracker directory. The tracker is in
// play only when a root is configured and the instrument has an extension.
func (s *Service) trackerFor(c *store.Configuration) (tracker.Dir, bool) {
	if s.trackerRoot == "" || c.TrackerExtension == "" {
		return tracker.Dir{}, false
	}
	return tracker.New(filepath.Join(s.trackerRoot, c.Name)), true
}

// Allocation reports one scan number allocation, including what both
// counters looked like beforehand.
type Allocation struct {
	Instrument   string
	ScanNumber   int64
	StoredBefore int64
	LegacyBefore int64
	TrackerUsed  bool
	Healed       bool
	TrackerOK    bool
	TrackerError string
}

// NextScan allocates the next scan number for an instrument.
//
// The candidate is the larger of the stored number and the legacy
// directory's highest file; the store advances to candidate+1 in one
// transaction and the tracker directory is then advanced to match. A
// tracker failure before the database commit fails the allocation; after
// the commit it is only logged, because the database is authoritative and
// the next allocation's merge pulls the tracker forward again.
func (s *Service) NextScan(name string) (*Allocation, error) {
	c, err := s.store.CurrentConfiguration(name)
	if err != nil {
		return nil, err
	}

	var legacy int64
	dir, used := s.trackerFor(c)
	if used {
		legacy, err = dir.Highest(c.TrackerExtension)
		if err != nil {
			return nil, fmt.Errorf("failed to read legacy tracker: %w", err)
		}
	}

	after, err := s.store.NextScanConfiguration(name, legacy)
	if err != nil {
		return nil, err
	}

	alloc := &Allocation{
		Instrument:   name,
		ScanNumber:   after.ScanNumber,
		StoredBefore: c.ScanNumber,
		LegacyBefore: legacy,
		TrackerUsed:  used,
		Healed:       used && legacy != c.ScanNumber,
		TrackerOK:    true,
	}

	if used {
		if err := dir.AdvanceTo(c.TrackerExtension, after.ScanNumber); err != nil {
			alloc.TrackerOK = false
			alloc.TrackerError = err.Error()
			s.logger.Warn("tracker advance failed after commit",
				zap.String("instrument", name),
				zap.Int64("scan_number", after.ScanNumber),
				zap.Error(err))
		}
	}

	if alloc.Healed {
		s.logger.Info("healed diverged counters during allocation",
			zap.String("instrument", name),
			zap.Int64("stored_before", alloc.StoredBefore),
			zap.Int64("legacy_before", alloc.LegacyBefore),
			zap.Int64("scan_number", alloc.ScanNumber))
	}

	s.record(alloc)
	return alloc, nil
}

// record appends the allocation to the ledger. Best effort: the allocated
// number is already committed, so a ledger failure only warns.
func (s *Service) record(a *Allocation) {
	if s.ledger == nil {
		return
	}
	err := s.ledger.Record(&history.Entry{
		Instrument:   a.Instrument,
		ScanNumber:   a.ScanNumber,
		StoredBefore: a.StoredBefore,
		LegacyBefore: a.LegacyBefore,
		Healed:       a.Healed,
		TrackerOK:    a.TrackerOK,
		TrackerError: a.TrackerError,
	})
	if err != nil {
		s.logger.Warn("failed to record allocation history",
			zap.String("instrument", a.Instrument),
			zap.Error(err))
	}
}

// Numbers is a read-only view of both counters. Reading it never mutates
// either side, so a diverged pair stays diverged until an allocation or a
// sync heals it.
type Numbers struct {
	Instrument  string
	Stored      int64
	Legacy      int64
	TrackerUsed bool
	InSync      bool
}

// Numbers reports the stored and legacy counters side by side.
func (s *Service) Numbers(name string) (*Numbers, error) {
	c, err := s.store.CurrentConfiguration(name)
	if err != nil {
		return nil, err
	}

	n := &Numbers{Instrument: name, Stored: c.ScanNumber, InSync: true}

	dir, used := s.trackerFor(c)
	if used {
		legacy, err := dir.Highest(c.TrackerExtension)
		if err != nil {
			return nil, fmt.Errorf("failed to read legacy tracker: %w", err)
		}
		n.Legacy = legacy
		n.TrackerUsed = true
		n.InSync = legacy == c.ScanNumber
	}
	return n, nil
}

// ConfigUpdate carries the fields of a configuration change. Nil pointers
// leave the stored value untouched.
type ConfigUpdate struct {
	ScanNumber        *int64
	DirectoryTemplate *string
	ScanTemplate      *string
	DetectorTemplate  *string
	TrackerExtension  *string
}

// Configure validates and applies a configuration change, creating the
// instrument on first use. Validation is fail-fast: a bad template or
// extension leaves the stored row exactly as it was.
func (s *Service) Configure(name string, u ConfigUpdate) (*store.Configuration, error) {
	if !instrumentNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidInstrumentName)
	}

	if u.DirectoryTemplate != nil && *u.DirectoryTemplate != "" {
		if _, err := template.ParsePath(*u.DirectoryTemplate, scanpath.DirectoryVocabulary); err != nil {
			return nil, fmt.Errorf("directory template: %w", err)
		}
	}
	if u.ScanTemplate != nil && *u.ScanTemplate != "" {
		if _, err := template.ParsePath(*u.ScanTemplate, scanpath.ScanVocabulary); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
	}
	if u.DetectorTemplate != nil && *u.DetectorTemplate != "" {
		if _, err := template.ParsePath(*u.DetectorTemplate, scanpath.DetectorVocabulary); err != nil {
			return nil, fmt.Errorf("detector template: %w", err)
		}
	}
	if u.TrackerExtension != nil && *u.TrackerExtension != "" && !extensionPattern.MatchString(*u.TrackerExtension) {
		return nil, fmt.Errorf("%q: %w", *u.TrackerExtension, ErrInvalidExtension)
	}
	if u.ScanNumber != nil && *u.ScanNumber < 0 {
		return nil, fmt.Errorf("scan number %d must not be negative", *u.ScanNumber)
	}

	return s.store.UpsertConfiguration(name, store.Update{
		ScanNumber:        u.ScanNumber,
		DirectoryTemplate: u.DirectoryTemplate,
		ScanTemplate:      u.ScanTemplate,
		DetectorTemplate:  u.DetectorTemplate,
		TrackerExtension:  u.TrackerExtension,
	})
}

// Current returns an instrument's stored configuration.
func (s *Service) Current(name string) (*store.Configuration, error) {
	return s.store.CurrentConfiguration(name)
}

// Instruments lists all configured instruments.
func (s *Service) Instruments() ([]store.Configuration, error) {
	return s.store.ListInstruments()
}

// History returns recent allocation events, newest first. Without a ledger
// there is no history.
func (s *Service) History(instrument string, limit int) ([]history.Entry, error) {
	if s.ledger == nil {
		return nil, nil
	}
	return s.ledger.Recent(instrument, limit)
}

// PathRequest describes one render. ScanNumber overrides the stored
// number; nil renders against the instrument's current number, which is
// only stable if nobody allocates in between. Callers that need paths for
// a specific scan should allocate first and pass the number here.
type PathRequest struct {
	Visit        string
	ScanNumber   *int64
	Subdirectory string
	Metadata     map[string]string
	Detectors    []string
}

// RenderedPaths is the result of one render request.
type RenderedPaths struct {
	Instrument     string
	ScanNumber     int64
	VisitDirectory string
	ScanFile       string
	DetectorFiles  map[string]string
}

// Paths renders the instrument's configured templates against one request.
// The visit directory template is required; the scan file is rendered when
// a scan template is configured; detector files are rendered per requested
// detector and require a detector template. Relative scan and detector
// templates are joined onto the rendered visit directory, absolute ones
// stand alone.
func (s *Service) Paths(name string, req PathRequest) (*RenderedPaths, error) {
	c, err := s.store.CurrentConfiguration(name)
	if err != nil {
		return nil, err
	}

	if c.DirectoryTemplate == "" {
		return nil, fmt.Errorf("instrument %s has no directory template: %w", name, ErrUnconfigured)
	}

	number := c.ScanNumber
	if req.ScanNumber != nil {
		number = *req.ScanNumber
	}
	now := s.now()

	dirTpl, err := template.ParsePath(c.DirectoryTemplate, scanpath.DirectoryVocabulary)
	if err != nil {
		return nil, fmt.Errorf("stored directory template: %w", err)
	}
	visitDir, err := dirTpl.Render(scanpath.DirectoryContext{
		Instrument: c.Name,
		Visit:      req.Visit,
		Now:        now,
	})
	if err != nil {
		return nil, err
	}

	out := &RenderedPaths{
		Instrument:     c.Name,
		ScanNumber:     number,
		VisitDirectory: visitDir,
	}

	scanCtx := scanpath.ScanContext{
		Instrument:   c.Name,
		Visit:        req.Visit,
		ScanNumber:   number,
		Subdirectory: req.Subdirectory,
		Metadata:     req.Metadata,
		Now:          now,
	}

	if c.ScanTemplate != "" {
		scanTpl, err := template.ParsePath(c.ScanTemplate, scanpath.ScanVocabulary)
		if err != nil {
			return nil, fmt.Errorf("stored scan template: %w", err)
		}
		rendered, err := scanTpl.Render(scanCtx)
		if err != nil {
			return nil, err
		}
		out.ScanFile = joinUnder(visitDir, rendered, scanTpl.IsAbsolute())
	}

	if len(req.Detectors) > 0 {
		if c.DetectorTemplate == "" {
			return nil, fmt.Errorf("instrument %s has no detector template: %w", name, ErrUnconfigured)
		}
		detTpl, err := template.ParsePath(c.DetectorTemplate, scanpath.DetectorVocabulary)
		if err != nil {
			return nil, fmt.Errorf("stored detector template: %w", err)
		}

		out.DetectorFiles = make(map[string]string, len(req.Detectors))
		for _, det := range req.Detectors {
			rendered, err := detTpl.Render(scanpath.DetectorContext{
				ScanContext: scanCtx,
				Detector:    det,
			})
			if err != nil {
				return nil, err
			}
			out.DetectorFiles[det] = joinUnder(visitDir, rendered, detTpl.IsAbsolute())
		}
	}

	return out, nil
}

// joinUnder places a rendered scan or detector path under the visit
// directory unless its template was absolute.
func joinUnder(visitDir, rendered string, absolute bool) string {
	if absolute {
		return rendered
	}
	return path.Join(visitDir, rendered)
}
