package allocator

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scantrack/internal/history"
	"scantrack/internal/scanpath"
	"scantrack/internal/store"
)

var testNow = time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "instruments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	trackerRoot := t.TempDir()
	svc := New(st, trackerRoot, zap.NewNop())
	svc.now = func() time.Time { return testNow }
	return svc, trackerRoot
}

func configure(t *testing.T, svc *Service, name string, u ConfigUpdate) {
	t.Helper()
	_, err := svc.Configure(name, u)
	require.NoError(t, err)
}

func strp(s string) *string { return &s }
func i64p(n int64) *int64   { return &n }

func seedTracker(t *testing.T, root, instrument, file string) {
	t.Helper()
	dir := filepath.Join(root, instrument)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), nil, 0644))
}

func trackerFiles(t *testing.T, root, instrument, extension string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, instrument))
	require.NoError(t, err)

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), "."+extension) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

func TestNextScanAdvancesBothCountersInSync(t *testing.T) {
	svc, root := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{ScanNumber: i64p(122), TrackerExtension: strp("tmp")})
	seedTracker(t, root, "i22", "122.tmp")

	alloc, err := svc.NextScan("i22")
	require.NoError(t, err)

	assert.Equal(t, int64(123), alloc.ScanNumber)
	assert.Equal(t, int64(122), alloc.StoredBefore)
	assert.Equal(t, int64(122), alloc.LegacyBefore)
	assert.False(t, alloc.Healed)
	assert.True(t, alloc.TrackerOK)

	c, err := svc.Current("i22")
	require.NoError(t, err)
	assert.Equal(t, int64(123), c.ScanNumber)
	assert.Equal(t, []string{"123.tmp"}, trackerFiles(t, root, "i22", "tmp"))
}

func TestNextScanHealsDivergedTracker(t *testing.T) {
	svc, root := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{ScanNumber: i64p(122), TrackerExtension: strp("tmp")})
	seedTracker(t, root, "i22", "5678.tmp")

	alloc, err := svc.NextScan("i22")
	require.NoError(t, err)

	assert.Equal(t, int64(5679), alloc.ScanNumber)
	assert.True(t, alloc.Healed)
	assert.Equal(t, int64(122), alloc.StoredBefore)
	assert.Equal(t, int64(5678), alloc.LegacyBefore)

	c, err := svc.Current("i22")
	require.NoError(t, err)
	assert.Equal(t, int64(5679), c.ScanNumber)
	assert.Equal(t, []string{"5679.tmp"}, trackerFiles(t, root, "i22", "tmp"))
}

func TestNumbersReportsDivergenceWithoutMutating(t *testing.T) {
	svc, root := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{ScanNumber: i64p(122), TrackerExtension: strp("tmp")})
	seedTracker(t, root, "i22", "5678.tmp")

	for i := 0; i < 2; i++ {
		n, err := svc.Numbers("i22")
		require.NoError(t, err)
		assert.Equal(t, int64(122), n.Stored)
		assert.Equal(t, int64(5678), n.Legacy)
		assert.True(t, n.TrackerUsed)
		assert.False(t, n.InSync)
	}

	// Reading must not have healed anything.
	c, err := svc.Current("i22")
	require.NoError(t, err)
	assert.Equal(t, int64(122), c.ScanNumber)
	assert.Equal(t, []string{"5678.tmp"}, trackerFiles(t, root, "i22", "tmp"))
}

func TestNextScanSequentialAllocationsAreGapless(t *testing.T) {
	svc, _ := newTestService(t)
	configure(t, svc, "b18", ConfigUpdate{ScanNumber: i64p(10)})

	for want := int64(11); want <= 15; want++ {
		alloc, err := svc.NextScan("b18")
		require.NoError(t, err)
		assert.Equal(t, want, alloc.ScanNumber)
		assert.False(t, alloc.TrackerUsed)
	}
}

func TestNextScanWithoutTrackerTouchesNoFilesystem(t *testing.T) {
	svc, root := newTestService(t)
	configure(t, svc, "b18", ConfigUpdate{ScanNumber: i64p(3)})

	_, err := svc.NextScan("b18")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "b18"))
	assert.True(t, os.IsNotExist(err))
}

func TestNextScanUnknownInstrument(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.NextScan("ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNextScanFailsWhenTrackerUnreadable(t *testing.T) {
	svc, root := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{ScanNumber: i64p(122), TrackerExtension: strp("tmp")})

	// The tracker path exists but is not a directory: a read failure is
	// never silently treated as zero.
	require.NoError(t, os.WriteFile(filepath.Join(root, "i22"), nil, 0644))

	_, err := svc.NextScan("i22")
	require.Error(t, err)

	c, err := svc.Current("i22")
	require.NoError(t, err)
	assert.Equal(t, int64(122), c.ScanNumber, "failed allocation must not advance the store")
}

func TestNextScanTrackerFailureAfterCommitIsNonFatal(t *testing.T) {
	svc, root := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{ScanNumber: i64p(122), TrackerExtension: strp("tmp")})
	seedTracker(t, root, "i22", "122.tmp")

	// Occupy the target name with a directory so the post-commit advance
	// cannot create 123.tmp.
	require.NoError(t, os.Mkdir(filepath.Join(root, "i22", "123.tmp"), 0755))

	alloc, err := svc.NextScan("i22")
	require.NoError(t, err)

	assert.Equal(t, int64(123), alloc.ScanNumber)
	assert.False(t, alloc.TrackerOK)
	assert.NotEmpty(t, alloc.TrackerError)

	// The database commit stands.
	c, err := svc.Current("i22")
	require.NoError(t, err)
	assert.Equal(t, int64(123), c.ScanNumber)
}

func TestNextScanRecordsHistory(t *testing.T) {
	svc, root := newTestService(t)

	ledger, err := history.NewLedger(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	svc.SetLedger(ledger)

	configure(t, svc, "i22", ConfigUpdate{ScanNumber: i64p(122), TrackerExtension: strp("tmp")})
	seedTracker(t, root, "i22", "5678.tmp")

	_, err = svc.NextScan("i22")
	require.NoError(t, err)
	_, err = svc.NextScan("i22")
	require.NoError(t, err)

	entries, err := svc.History("i22", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, int64(5680), entries[0].ScanNumber)
	assert.False(t, entries[0].Healed)

	assert.Equal(t, int64(5679), entries[1].ScanNumber)
	assert.True(t, entries[1].Healed)
	assert.Equal(t, int64(122), entries[1].StoredBefore)
	assert.Equal(t, int64(5678), entries[1].LegacyBefore)
}

func TestConfigureRejectsInvalidTemplateAndLeavesRowUnchanged(t *testing.T) {
	svc, _ := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{ScanTemplate: strp("{instrument}-{scan_number}")})

	_, err := svc.Configure("i22", ConfigUpdate{ScanTemplate: strp("{bogus}-{scan_number}")})
	require.Error(t, err)

	c, err := svc.Current("i22")
	require.NoError(t, err)
	assert.Equal(t, "{instrument}-{scan_number}", c.ScanTemplate)
}

func TestConfigureAppliesVocabularyPerTemplateKind(t *testing.T) {
	svc, _ := newTestService(t)

	// scan_number is not a directory template field.
	_, err := svc.Configure("i22", ConfigUpdate{DirectoryTemplate: strp("/dls/{instrument}/{scan_number}")})
	require.Error(t, err)

	// detector is only a detector template field.
	_, err = svc.Configure("i22", ConfigUpdate{ScanTemplate: strp("{instrument}-{detector}")})
	require.Error(t, err)

	_, err = svc.Configure("i22", ConfigUpdate{DetectorTemplate: strp("{instrument}-{scan_number}-{detector}")})
	require.NoError(t, err)
}

func TestConfigureRejectsBadNames(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Configure("i 22", ConfigUpdate{})
	assert.ErrorIs(t, err, ErrInvalidInstrumentName)

	_, err = svc.Configure("i22/../x", ConfigUpdate{})
	assert.ErrorIs(t, err, ErrInvalidInstrumentName)

	_, err = svc.Configure("i22", ConfigUpdate{TrackerExtension: strp("tm p")})
	assert.ErrorIs(t, err, ErrInvalidExtension)

	_, err = svc.Configure("i22", ConfigUpdate{ScanNumber: i64p(-1)})
	assert.Error(t, err)
}

func TestPathsRendersAllLevels(t *testing.T) {
	svc, _ := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{
		ScanNumber:        i64p(431),
		DirectoryTemplate: strp("/dls/{instrument}/data/{year}/{visit}"),
		ScanTemplate:      strp("{subdirectory}/{instrument}-{scan_number}"),
		DetectorTemplate:  strp("{instrument}-{scan_number}-{detector}"),
	})

	paths, err := svc.Paths("i22", PathRequest{
		Visit:        "cm37235-2",
		Subdirectory: "align",
		Detectors:    []string{"pilatus", "maxipix"},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(431), paths.ScanNumber)
	assert.Equal(t, "/dls/i22/data/2026/cm37235-2", paths.VisitDirectory)
	assert.Equal(t, "/dls/i22/data/2026/cm37235-2/align/i22-431", paths.ScanFile)
	assert.Equal(t, "/dls/i22/data/2026/cm37235-2/i22-431-pilatus", paths.DetectorFiles["pilatus"])
	assert.Equal(t, "/dls/i22/data/2026/cm37235-2/i22-431-maxipix", paths.DetectorFiles["maxipix"])
}

func TestPathsEmptySubdirectoryVanishes(t *testing.T) {
	svc, _ := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{
		ScanNumber:        i64p(431),
		DirectoryTemplate: strp("/dls/{instrument}/data/{year}/{visit}"),
		ScanTemplate:      strp("{subdirectory}/{instrument}-{scan_number}"),
	})

	paths, err := svc.Paths("i22", PathRequest{Visit: "cm37235-2"})
	require.NoError(t, err)
	assert.Equal(t, "/dls/i22/data/2026/cm37235-2/i22-431", paths.ScanFile)
}

func TestPathsScanNumberOverride(t *testing.T) {
	svc, _ := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{
		ScanNumber:        i64p(431),
		DirectoryTemplate: strp("/dls/{instrument}/data/{year}/{visit}"),
		ScanTemplate:      strp("{instrument}-{scan_number}"),
	})

	paths, err := svc.Paths("i22", PathRequest{Visit: "cm37235-2", ScanNumber: i64p(99)})
	require.NoError(t, err)
	assert.Equal(t, int64(99), paths.ScanNumber)
	assert.Equal(t, "/dls/i22/data/2026/cm37235-2/i22-99", paths.ScanFile)
}

func TestPathsAbsoluteScanTemplateStandsAlone(t *testing.T) {
	svc, _ := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{
		ScanNumber:        i64p(7),
		DirectoryTemplate: strp("/dls/{instrument}/data/{year}/{visit}"),
		ScanTemplate:      strp("/scratch/{instrument}/{scan_number}"),
	})

	paths, err := svc.Paths("i22", PathRequest{Visit: "cm37235-2"})
	require.NoError(t, err)
	assert.Equal(t, "/scratch/i22/7", paths.ScanFile)
}

func TestPathsDerivesProposalFromVisit(t *testing.T) {
	svc, _ := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{
		DirectoryTemplate: strp("/dls/{proposal}/{visit}"),
	})

	paths, err := svc.Paths("i22", PathRequest{Visit: "cm37235-2"})
	require.NoError(t, err)
	assert.Equal(t, "/dls/cm37235/cm37235-2", paths.VisitDirectory)

	_, err = svc.Paths("i22", PathRequest{Visit: "not-a-visit!"})
	var re *scanpath.ResolveError
	require.ErrorAs(t, err, &re)
}

func TestPathsRequiresDirectoryTemplate(t *testing.T) {
	svc, _ := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{})

	_, err := svc.Paths("i22", PathRequest{Visit: "cm37235-2"})
	assert.ErrorIs(t, err, ErrUnconfigured)
}

func TestPathsDetectorsNeedDetectorTemplate(t *testing.T) {
	svc, _ := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{
		DirectoryTemplate: strp("/dls/{instrument}/data/{year}/{visit}"),
	})

	_, err := svc.Paths("i22", PathRequest{Visit: "cm37235-2", Detectors: []string{"pilatus"}})
	assert.ErrorIs(t, err, ErrUnconfigured)
}

func TestPathsMissingMetadataKeyPropagates(t *testing.T) {
	svc, _ := newTestService(t)
	configure(t, svc, "i22", ConfigUpdate{
		DirectoryTemplate: strp("/dls/{instrument}/data/{year}/{visit}"),
		ScanTemplate:      strp("{sample_id}-{scan_number}"),
	})

	_, err := svc.Paths("i22", PathRequest{Visit: "cm37235-2"})
	var re *scanpath.ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "sample_id", re.Field)

	paths, err := svc.Paths("i22", PathRequest{
		Visit:    "cm37235-2",
		Metadata: map[string]string{"sample_id": "x7"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(paths.ScanFile, "/x7-0"))
}

func TestPathsUnknownInstrument(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Paths("ghost", PathRequest{Visit: "cm37235-2"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
