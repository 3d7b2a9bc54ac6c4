package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scantrack/internal/allocator"
	"scantrack/internal/config"
	"scantrack/internal/history"
	"scantrack/internal/logging"
	"scantrack/internal/server"
	"scantrack/internal/store"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg      *config.Config
	logger   *zap.Logger
	logLevel zap.AtomicLevel
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "scantrack",
	Short: "Scan number allocation and data path service",
	Long: `scantrack hands out monotonically increasing scan numbers for beamline
instruments and renders the filesystem paths each scan is written to.

Every instrument carries two counters: the authoritative number in the
SQLite store and the legacy number encoded as the highest "<n>.<ext>"
file in the instrument's tracker directory. Allocation takes the larger
of the two and moves both forward, so fleets running a mix of old and
new acquisition software keep a single gapless sequence.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		logger, logLevel, err = logging.New(cfg.Logging.Level, cfg.Logging.Format, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Serves the allocation and path rendering API over HTTP, with Prometheus
metrics on /metrics. The config file is watched and the log level is
applied live on change.`,
	RunE: runServe,
}

// configureCmd creates or updates an instrument
var configureCmd = &cobra.Command{
	Use:   "configure [instrument]",
	Short: "Create or update an instrument's configuration",
	Long: `Sets an instrument's path templates, tracker extension and scan number.
Only flags that are given change the stored configuration; templates are
validated before anything is written.

Example:
  scantrack configure i22 \
    --directory-template '/dls/{instrument}/data/{year}/{visit}' \
    --scan-template '{subdirectory}/{instrument}-{scan_number}' \
    --tracker-extension tmp`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigure,
}

// instrumentsCmd lists configured instruments
var instrumentsCmd = &cobra.Command{
	Use:   "instruments",
	Short: "List configured instruments",
	RunE:  runInstruments,
}

// numbersCmd reports both counters without touching them
var numbersCmd = &cobra.Command{
	Use:   "numbers [instrument]",
	Short: "Show the stored and legacy scan numbers side by side",
	Args:  cobra.ExactArgs(1),
	RunE:  runNumbers,
}

// allocateCmd takes the next scan number
var allocateCmd = &cobra.Command{
	Use:   "allocate [instrument]",
	Short: "Allocate the next scan number",
	Long: `Advances the instrument to its next scan number. The store and the
legacy tracker directory are reconciled first, so a tracker that has
run ahead is absorbed rather than collided with.`,
	Args: cobra.ExactArgs(1),
	RunE: runAllocate,
}

// renderCmd renders paths without allocating
var renderCmd = &cobra.Command{
	Use:   "render [instrument]",
	Short: "Render data paths for a visit without allocating",
	Long: `Renders the instrument's configured templates for a visit. The current
scan number is used unless --scan-number is given; nothing is allocated
or written.

Example:
  scantrack render i22 --visit cm37235-2 --subdirectory align \
    --detector saxs --detector waxs --meta sample_id=x7`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

// syncCmd reconciles the two counters explicitly
var syncCmd = &cobra.Command{
	Use:   "sync [instrument]",
	Short: "Compare the stored and legacy counters and optionally reconcile them",
	Long: `Reports each instrument's stored and legacy numbers and, when they
differ, applies the chosen action:

  skip    report only (default)
  import  overwrite the stored number with the legacy one
  export  move the legacy tracker to the stored number in one jump

With --all every configured instrument is checked; one instrument's
failure is reported but never stops the others.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

// historyCmd shows recent allocations
var historyCmd = &cobra.Command{
	Use:   "history [instrument]",
	Short: "Show recent scan number allocations",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var (
	// configure flags
	cfgScanNumber        int64
	cfgDirectoryTemplate string
	cfgScanTemplate      string
	cfgDetectorTemplate  string
	cfgTrackerExtension  string

	// render flags
	renderVisit        string
	renderScanNumber   int64
	renderSubdirectory string
	renderDetectors    []string
	renderMetadata     map[string]string

	// sync flags
	syncAction   string
	syncAll      bool
	syncParallel int

	// history flags
	historyLimit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "scantrack.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	configureCmd.Flags().Int64Var(&cfgScanNumber, "scan-number", 0, "Set the stored scan number")
	configureCmd.Flags().StringVar(&cfgDirectoryTemplate, "directory-template", "", "Visit directory template")
	configureCmd.Flags().StringVar(&cfgScanTemplate, "scan-template", "", "Scan file template")
	configureCmd.Flags().StringVar(&cfgDetectorTemplate, "detector-template", "", "Per-detector file template")
	configureCmd.Flags().StringVar(&cfgTrackerExtension, "tracker-extension", "", "Legacy tracker file extension, e.g. tmp")

	renderCmd.Flags().StringVar(&renderVisit, "visit", "", "Visit identifier, e.g. cm37235-2 (required)")
	renderCmd.Flags().Int64Var(&renderScanNumber, "scan-number", 0, "Render for this scan number instead of the current one")
	renderCmd.Flags().StringVar(&renderSubdirectory, "subdirectory", "", "Subdirectory below the visit directory")
	renderCmd.Flags().StringSliceVar(&renderDetectors, "detector", nil, "Detector name (repeatable)")
	renderCmd.Flags().StringToStringVar(&renderMetadata, "meta", nil, "Metadata key=value (repeatable)")
	_ = renderCmd.MarkFlagRequired("visit")

	syncCmd.Flags().StringVar(&syncAction, "action", "skip", "Action on divergence: skip, import or export")
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "Sync every configured instrument")
	syncCmd.Flags().IntVar(&syncParallel, "parallel", 4, "Instruments checked concurrently with --all")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of entries to show")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(instrumentsCmd)
	rootCmd.AddCommand(numbersCmd)
	rootCmd.AddCommand(allocateCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newService opens the store and ledger and builds the allocator.
// The returned cleanup closes both.
func newService() (*allocator.Service, func(), error) {
	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	svc := allocator.New(st, cfg.Tracker.Root, logger)

	ledger, err := history.NewLedger(cfg.Database.HistoryPath)
	if err != nil {
		// Allocation works without the ledger; history is best-effort.
		logger.Warn("history ledger unavailable", zap.Error(err))
		return svc, func() { _ = st.Close() }, nil
	}
	svc.SetLedger(ledger)

	cleanup := func() {
		_ = ledger.Close()
		_ = st.Close()
	}
	return svc, cleanup, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	watcher, err := config.NewWatcher(configPath, logLevel, logger)
	if err != nil {
		logger.Warn("config watcher unavailable, live reload disabled", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("failed to start config watcher", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	srv := server.New(svc, logger, server.Options{
		Addr:         cfg.Addr(),
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.GetShutdownTimeout())
	})
	return g.Wait()
}

func runConfigure(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	var update allocator.ConfigUpdate
	if cmd.Flags().Changed("scan-number") {
		update.ScanNumber = &cfgScanNumber
	}
	if cmd.Flags().Changed("directory-template") {
		update.DirectoryTemplate = &cfgDirectoryTemplate
	}
	if cmd.Flags().Changed("scan-template") {
		update.ScanTemplate = &cfgScanTemplate
	}
	if cmd.Flags().Changed("detector-template") {
		update.DetectorTemplate = &cfgDetectorTemplate
	}
	if cmd.Flags().Changed("tracker-extension") {
		update.TrackerExtension = &cfgTrackerExtension
	}

	c, err := svc.Configure(args[0], update)
	if err != nil {
		return err
	}

	fmt.Printf("Instrument %s configured\n", c.Name)
	fmt.Printf("  Scan number:        %d\n", c.ScanNumber)
	if c.DirectoryTemplate != "" {
		fmt.Printf("  Directory template: %s\n", c.DirectoryTemplate)
	}
	if c.ScanTemplate != "" {
		fmt.Printf("  Scan template:      %s\n", c.ScanTemplate)
	}
	if c.DetectorTemplate != "" {
		fmt.Printf("  Detector template:  %s\n", c.DetectorTemplate)
	}
	if c.TrackerExtension != "" {
		fmt.Printf("  Tracker extension:  %s\n", c.TrackerExtension)
	}
	return nil
}

func runInstruments(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	configs, err := svc.Instruments()
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		fmt.Println("No instruments configured")
		return nil
	}

	for _, c := range configs {
		fmt.Printf("%-12s scan=%-8d ext=%-6s %s\n",
			c.Name, c.ScanNumber, valueOrDash(c.TrackerExtension), valueOrDash(c.DirectoryTemplate))
	}
	return nil
}

func runNumbers(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := svc.Numbers(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Instrument: %s\n", n.Instrument)
	fmt.Printf("  Stored:  %d\n", n.Stored)
	if !n.TrackerUsed {
		fmt.Println("  Legacy:  (no tracker configured)")
		return nil
	}
	fmt.Printf("  Legacy:  %d\n", n.Legacy)
	if n.InSync {
		fmt.Println("  ✓ counters in sync")
	} else {
		fmt.Println("  ✗ counters diverged, see 'scantrack sync'")
	}
	return nil
}

func runAllocate(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := svc.NextScan(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%d\n", a.ScanNumber)
	if a.Healed {
		fmt.Fprintf(os.Stderr, "note: healed diverged counters (stored %d, legacy %d)\n",
			a.StoredBefore, a.LegacyBefore)
	}
	if a.TrackerUsed && !a.TrackerOK {
		fmt.Fprintf(os.Stderr, "warning: legacy tracker not advanced: %s\n", a.TrackerError)
	}
	return nil
}

func runRender(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	req := allocator.PathRequest{
		Visit:        renderVisit,
		Subdirectory: renderSubdirectory,
		Metadata:     renderMetadata,
		Detectors:    renderDetectors,
	}
	if cmd.Flags().Changed("scan-number") {
		req.ScanNumber = &renderScanNumber
	}

	p, err := svc.Paths(args[0], req)
	if err != nil {
		return err
	}

	fmt.Printf("Scan number:     %d\n", p.ScanNumber)
	fmt.Printf("Visit directory: %s\n", p.VisitDirectory)
	if p.ScanFile != "" {
		fmt.Printf("Scan file:       %s\n", p.ScanFile)
	}
	if len(p.DetectorFiles) > 0 {
		names := make([]string, 0, len(p.DetectorFiles))
		for name := range p.DetectorFiles {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Detector files:")
		for _, name := range names {
			fmt.Printf("  %-10s %s\n", name, p.DetectorFiles[name])
		}
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	action, err := allocator.ParseAction(syncAction)
	if err != nil {
		return err
	}
	if syncAll == (len(args) == 1) {
		return fmt.Errorf("give exactly one instrument or --all")
	}

	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	var outcomes []allocator.Outcome
	if syncAll {
		outcomes, err = svc.SyncAll(context.Background(), action, syncParallel)
		if err != nil {
			return err
		}
	} else {
		outcomes = []allocator.Outcome{svc.SyncInstrument(args[0], action)}
	}

	failed := 0
	for _, o := range outcomes {
		printOutcome(o)
		if o.Err != "" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d instruments failed", failed, len(outcomes))
	}
	return nil
}

func printOutcome(o allocator.Outcome) {
	switch {
	case o.Err != "":
		fmt.Printf("✗ %-12s %s\n", o.Instrument, o.Err)
	case !o.TrackerUsed:
		fmt.Printf("✓ %-12s stored=%-8d no tracker\n", o.Instrument, o.Stored)
	case o.InSync:
		fmt.Printf("✓ %-12s stored=%-8d legacy=%-8d in sync\n", o.Instrument, o.Stored, o.Legacy)
	case o.Applied:
		fmt.Printf("✓ %-12s stored=%-8d legacy=%-8d applied %s\n", o.Instrument, o.Stored, o.Legacy, o.Action)
	default:
		fmt.Printf("! %-12s stored=%-8d legacy=%-8d diverged, action %s\n", o.Instrument, o.Stored, o.Legacy, o.Action)
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	instrument := ""
	if len(args) == 1 {
		instrument = args[0]
	}

	entries, err := svc.History(instrument, historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No allocations recorded")
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  %-12s scan=%-8d", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Instrument, e.ScanNumber)
		if e.Healed {
			line += fmt.Sprintf("  healed (stored %d, legacy %d)", e.StoredBefore, e.LegacyBefore)
		}
		if !e.TrackerOK {
			line += "  tracker failed: " + e.TrackerError
		}
		fmt.Println(line)
	}
	return nil
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
