package allocator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Action is an operator's choice of how to resolve counter divergence.
type Action string

const (
	// ActionSkip reports divergence without changing anything.
	ActionSkip Action = "skip"
	// ActionImport overwrites the stored number with the legacy
	// directory's highest number.
	ActionImport Action = "import"
	// ActionExport moves the legacy directory to match the stored number
	// in one jump, leaving a single live number file. Intermediate numbers
	// never exist as files.
	ActionExport Action = "export"
)

// ParseAction validates an action name from the command line.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionSkip, ActionImport, ActionExport:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown sync action %q (want skip, import or export)", s)
}

// Outcome is the result of synchronising one instrument. Failures are
// carried in Err rather than returned, so processing many instruments
// never aborts early.
type Outcome struct {
	Instrument  string
	Stored      int64
	Legacy      int64
	TrackerUsed bool
	InSync      bool
	Action      Action
	Applied     bool
	Err         string
}

// SyncInstrument compares the two counters for one instrument and applies
// the chosen action when they differ. Instruments without a tracker report
// in sync and never apply anything.
func (s *Service) SyncInstrument(name string, action Action) Outcome {
	out := Outcome{Instrument: name, Action: action}

	c, err := s.store.CurrentConfiguration(name)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	out.Stored = c.ScanNumber

	dir, used := s.trackerFor(c)
	if !used {
		out.InSync = true
		return out
	}
	out.TrackerUsed = true

	legacy, err := dir.Highest(c.TrackerExtension)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	out.Legacy = legacy
	out.InSync = legacy == c.ScanNumber

	if out.InSync || action == ActionSkip {
		return out
	}

	switch action {
	case ActionImport:
		if err := s.store.SetScanNumber(name, legacy); err != nil {
			out.Err = err.Error()
			return out
		}
	case ActionExport:
		if err := dir.JumpTo(c.TrackerExtension, c.ScanNumber); err != nil {
			out.Err = err.Error()
			return out
		}
	}
	out.Applied = true

	s.logger.Info("synchronised instrument counters",
		zap.String("instrument", name),
		zap.String("action", string(action)),
		zap.Int64("stored", out.Stored),
		zap.Int64("legacy", out.Legacy))
	return out
}

// SyncAll synchronises every configured instrument with bounded
// parallelism. Instruments are independent: one instrument's failure lands
// in its Outcome and the rest proceed. Outcomes come back in the store's
// listing order.
func (s *Service) SyncAll(ctx context.Context, action Action, parallelism int) ([]Outcome, error) {
	configs, err := s.store.ListInstruments()
	if err != nil {
		return nil, err
	}
	if parallelism <= 0 {
		parallelism = 4
	}

	outcomes := make([]Outcome, len(configs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, c := range configs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = Outcome{Instrument: c.Name, Action: action, Err: err.Error()}
				return nil
			}
			outcomes[i] = s.SyncInstrument(c.Name, action)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}
