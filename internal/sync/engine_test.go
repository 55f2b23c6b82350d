package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/portfolio-tools/imgsync/internal/cache"
	"github.com/portfolio-tools/imgsync/internal/ledger"
	"github.com/portfolio-tools/imgsync/internal/sheet"
)

type engineFixture struct {
	dir    string
	book   *memBook
	store  *fakeStore
	cache  *cache.Cache
	ledger *ledger.Ledger
	cfg    Config
}

func newEngineFixture(t *testing.T, files map[string]string) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	writeImages(t, filepath.Join(dir, "images"), files)

	cfg := DefaultConfig(filepath.Join(dir, "images"))
	cfg.Upload = fastPolicy("upload", 2)
	cfg.Read = fastPolicy("read sheet", 2)
	cfg.Executor = fastExecutorConfig()
	cfg.Logger = discard()

	return &engineFixture{
		dir:    dir,
		book:   &memBook{},
		store:  newFakeStore(),
		cache:  testCache(t, dir),
		ledger: ledger.New(filepath.Join(dir, "failed_files.json")),
		cfg:    cfg,
	}
}

func (f *engineFixture) run(t *testing.T) *Stats {
	t.Helper()
	e := New(f.cfg, f.book, f.cache, f.ledger, f.store)
	stats, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	return stats
}

func (f *engineFixture) sheet() *memSheet {
	return f.book.sheets["Portfolio"]
}

// TestEngine_Run tests a first run against a new worksheet and an idempotent second run
func TestEngine_Run(t *testing.T) {
	f := newEngineFixture(t, map[string]string{
		"2024_AcmeCo_Launch_02.jpg":                "two",
		"2024_AcmeCo_Launch_01.jpg":                "one",
		"2023_Globex_Rebrand_t-identity_01.png":    "three",
		"nested/2022_Initech_Report_Print_01.jpeg": "four",
	})

	stats := f.run(t)
	if stats.Scanned != 4 || stats.Inserted != 4 || stats.Failed != 0 {
		t.Fatalf("first run stats = %+v", stats)
	}

	ws := f.sheet()
	if diff := cmp.Diff(sheet.Header, ws.rows[0]); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	var ids []string
	for r := 2; r <= ws.lastRow(); r++ {
		ids = append(ids, ws.cell(r, sheet.ColFileID))
		if got := ws.cell(r, sheet.ColThumbnail); got != ThumbnailFormula(r) {
			t.Errorf("row %d thumbnail = %q", r, got)
		}
	}
	// Groups in first-seen order, sequences ascending within a group.
	want := []string{
		"2023_Globex_Rebrand_t-identity_01.png",
		"2024_AcmeCo_Launch_01.jpg",
		"2024_AcmeCo_Launch_02.jpg",
		"2022_Initech_Report_Print_01.jpeg",
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("row order mismatch (-want +got):\n%s", diff)
	}

	second := f.run(t)
	if second.Inserted != 0 || second.Updated != 0 {
		t.Errorf("second run wrote rows: %+v", second)
	}
	if second.SkippedProcessed != 4 {
		t.Errorf("SkippedProcessed = %d, want 4", second.SkippedProcessed)
	}
	if f.cache.Stats().LastProcessed.IsZero() {
		t.Error("last processed time not recorded")
	}
}

// TestEngine_EditedAndNew tests Edited protection and New clearing on an existing sheet
func TestEngine_EditedAndNew(t *testing.T) {
	f := newEngineFixture(t, map[string]string{
		"2024_Acme_Launch_01.jpg": "changed content",
		"2024_Acme_Teaser_01.jpg": "teaser",
	})
	edited := dataRow("2024_Acme_Launch_01.jpg", "Hand Written Title", sheet.StatusEdited)
	stale := dataRow("2024_Acme_Teaser_01.jpg", "Old", sheet.StatusNew)
	f.book.sheets = map[string]*memSheet{"Portfolio": newMemSheet(header(), edited, stale)}

	stats := f.run(t)
	ws := f.sheet()
	if got := ws.cell(2, sheet.ColTitle); got != "Hand Written Title" {
		t.Errorf("Edited title overwritten: %q", got)
	}
	if got := ws.cell(2, sheet.ColStatus); got != sheet.StatusEdited {
		t.Errorf("Edited status changed to %q", got)
	}
	if got := ws.cell(3, sheet.ColTitle); got != "Teaser" {
		t.Errorf("row 3 title = %q, want Teaser", got)
	}
	if got := ws.cell(3, sheet.ColStatus); got != "" {
		t.Errorf("row 3 status = %q, want cleared", got)
	}
	if stats.SkippedEdited != 1 || stats.Updated != 1 || stats.NewCleared != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestEngine_FailureLedger tests that failures are persisted and retried first
func TestEngine_FailureLedger(t *testing.T) {
	f := newEngineFixture(t, map[string]string{
		"2024_Acme_A_01.jpg": "a",
		"2024_Acme_B_01.jpg": "b",
		"2024_Acme_C_01.jpg": "c",
	})
	f.store.failures["2024_Acme_C_01.jpg"] = 3

	stats := f.run(t)
	if diff := cmp.Diff([]string{"2024_Acme_C_01.jpg"}, stats.FailedNames); diff != "" {
		t.Errorf("FailedNames mismatch (-want +got):\n%s", diff)
	}
	saved, err := f.ledger.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"2024_Acme_C_01.jpg"}, saved); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}

	f.store.calls = nil
	stats = f.run(t)
	if stats.Inserted != 1 || stats.Failed != 0 {
		t.Errorf("retry run stats = %+v", stats)
	}
	if len(f.store.calls) == 0 || f.store.calls[0] != "2024_Acme_C_01.jpg" {
		t.Errorf("store calls = %v, want ledger file first", f.store.calls)
	}
	saved, _ = f.ledger.Load()
	if len(saved) != 0 {
		t.Errorf("ledger after clean run = %v, want empty", saved)
	}
}

// TestEngine_SheetWriteFailureGoesToLedger tests that rows lost at append time are retried
func TestEngine_SheetWriteFailureGoesToLedger(t *testing.T) {
	f := newEngineFixture(t, map[string]string{"2024_Acme_A_01.jpg": "a"})
	ws := newMemSheet(header())
	ws.failAppend = func(rows [][]string) error { return errRateLimited }
	f.book.sheets = map[string]*memSheet{"Portfolio": ws}

	stats := f.run(t)
	if stats.Failed != 1 || stats.Inserted != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	// Uploaded and committed, but the row never landed: the ledger brings it back.
	ws.failAppend = nil
	stats = f.run(t)
	if stats.Inserted != 1 {
		t.Errorf("retry run stats = %+v, want 1 insert", stats)
	}
}

// TestEngine_PendingRecovery tests that an interrupted upload is retried
func TestEngine_PendingRecovery(t *testing.T) {
	f := newEngineFixture(t, map[string]string{"2024_Acme_A_01.jpg": "a"})
	hash, err := cache.HashFile(filepath.Join(f.dir, "images", "2024_Acme_A_01.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.cache.BeginPending(hash); err != nil {
		t.Fatal(err)
	}

	// Simulated crash: reopen the cache from disk.
	cfg := cache.DefaultConfig(f.cache.Path())
	cfg.Logger = discard()
	if f.cache, err = cache.Open(cfg); err != nil {
		t.Fatal(err)
	}

	stats := f.run(t)
	if stats.Inserted != 1 || stats.SkippedProcessed != 0 {
		t.Errorf("stats = %+v, want pending hash re-uploaded", stats)
	}
	if got := f.cache.Lookup(hash).State; got != cache.Committed {
		t.Errorf("state = %v, want committed", got)
	}
}

// TestEngine_Locked tests that a second concurrent run fails fast
func TestEngine_Locked(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.cfg.LockPath = filepath.Join(f.dir, "image_cache.json.lock")

	lock, err := cache.AcquireLock(f.cfg.LockPath)
	if err != nil {
		t.Fatalf("AcquireLock() failed: %v", err)
	}
	defer lock.Release()

	e := New(f.cfg, f.book, f.cache, f.ledger, f.store)
	if _, err := e.Run(context.Background()); !errors.Is(err, cache.ErrLocked) {
		t.Errorf("Run() error = %v, want ErrLocked", err)
	}
}

// recordingObserver collects observer events.
type recordingObserver struct {
	started  int
	files    map[Action]int
	finished *Stats
}

func (r *recordingObserver) RunStarted(string) { r.started++ }
func (r *recordingObserver) FileProcessed(_, _ string, a Action, _ error) {
	if r.files == nil {
		r.files = map[Action]int{}
	}
	r.files[a]++
}
func (r *recordingObserver) RunFinished(s *Stats, _ error) { r.finished = s }

// TestEngine_Observer tests event delivery
func TestEngine_Observer(t *testing.T) {
	f := newEngineFixture(t, map[string]string{"2024_Acme_A_01.jpg": "a", "2024_Acme_A_02.jpg": "a"})
	obs := &recordingObserver{}

	e := New(f.cfg, f.book, f.cache, f.ledger, f.store)
	e.SetObserver(Observers{obs})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if obs.started != 1 || obs.finished == nil {
		t.Errorf("started = %d, finished = %v", obs.started, obs.finished)
	}
	if obs.files[ActionInsert] != 1 || obs.files[ActionDuplicate] != 1 {
		t.Errorf("file events = %v", obs.files)
	}
}

// sheetIDs returns the File IDs of the data rows in sheet order.
func (f *engineFixture) sheetIDs() []string {
	ws := f.sheet()
	var ids []string
	for r := 2; r <= ws.lastRow(); r++ {
		ids = append(ids, ws.cell(r, sheet.ColFileID))
	}
	return ids
}

// TestEngine_CancelledAfterUpload tests that content uploaded by a run that
// stops before writing its rows is still written by the next run
func TestEngine_CancelledAfterUpload(t *testing.T) {
	f := newEngineFixture(t, map[string]string{
		"2024_AcmeCo_Launch_01.jpg": "one",
		"2024_AcmeCo_Launch_02.jpg": "two",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.store.before = func(string) { cancel() }

	e := New(f.cfg, f.book, f.cache, f.ledger, f.store)
	if _, err := e.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	saved, err := f.ledger.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"2024_AcmeCo_Launch_01.jpg"}, saved); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}

	f.store.before = nil
	f.run(t)
	f.run(t)

	want := []string{"2024_AcmeCo_Launch_01.jpg", "2024_AcmeCo_Launch_02.jpg"}
	if diff := cmp.Diff(want, f.sheetIDs()); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

// TestEngine_CancelledDuringApply tests the ledger and cache left by a run
// stopped between append batches
func TestEngine_CancelledDuringApply(t *testing.T) {
	f := newEngineFixture(t, map[string]string{
		"2024_Acme_A_01.jpg": "a",
		"2024_Acme_B_01.jpg": "b",
		"2024_Acme_C_01.jpg": "c",
	})
	f.cfg.Executor.AppendBatch = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ws := newMemSheet(header())
	appends := 0
	ws.failAppend = func([][]string) error {
		appends++
		if appends >= 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}
	f.book.sheets = map[string]*memSheet{"Portfolio": ws}

	e := New(f.cfg, f.book, f.cache, f.ledger, f.store)
	stats, err := e.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if stats.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", stats.Inserted)
	}

	saved, err := f.ledger.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"2024_Acme_B_01.jpg", "2024_Acme_C_01.jpg"}, saved); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
	if st := f.cache.Stats(); st.Committed != 3 || st.Pending != 0 {
		t.Errorf("cache stats = %+v, want 3 committed", st)
	}

	ws.failAppend = nil
	stats = f.run(t)
	if stats.Inserted != 2 || stats.Failed != 0 {
		t.Errorf("resumed run stats = %+v", stats)
	}
	want := []string{"2024_Acme_A_01.jpg", "2024_Acme_B_01.jpg", "2024_Acme_C_01.jpg"}
	if diff := cmp.Diff(want, f.sheetIDs()); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if saved, _ := f.ledger.Load(); len(saved) != 0 {
		t.Errorf("ledger after resumed run = %v, want empty", saved)
	}
}
