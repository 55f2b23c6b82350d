package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/portfolio-tools/imgsync/internal/cache"
	"github.com/portfolio-tools/imgsync/internal/ledger"
	"github.com/portfolio-tools/imgsync/internal/organize"
	"github.com/portfolio-tools/imgsync/internal/retry"
	"github.com/portfolio-tools/imgsync/internal/sheet"
	"github.com/portfolio-tools/imgsync/internal/storage"
)

// Config holds the settings for a sync run.
type Config struct {
	// ImageDir is scanned recursively for images.
	ImageDir string

	// Extensions are matched case-insensitively (default: .jpg .jpeg .png .gif).
	Extensions []string

	// SheetName is the worksheet to reconcile (default: "Portfolio").
	SheetName string

	// KeyPrefix is prepended to object keys in the store.
	KeyPrefix string

	// LockPath, if set, is locked for the whole run so that two runs
	// never overlap.
	LockPath string

	// Upload governs publish attempts per file.
	Upload retry.Policy

	// Read governs sheet reads and the header repair.
	Read retry.Policy

	Executor ExecutorConfig

	// Logger for run progress (default: stderr logger).
	Logger *log.Logger

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// DefaultConfig returns the default settings for syncing imageDir.
func DefaultConfig(imageDir string) Config {
	return Config{
		ImageDir:   imageDir,
		Extensions: organize.DefaultExtensions,
		SheetName:  "Portfolio",
		Upload:     DefaultUploadRetry(),
		Read: retry.Policy{
			Name:        "read sheet",
			MaxAttempts: 3,
			Initial:     defaultInitialBackoff,
			Multiplier:  2,
		},
		Executor: DefaultExecutorConfig(),
		Logger:   log.New(os.Stderr, "[sync] ", log.LstdFlags),
		Now:      time.Now,
	}
}

// Engine runs the full reconciliation pipeline.
type Engine struct {
	cfg      Config
	book     sheet.Book
	cache    *cache.Cache
	ledger   *ledger.Ledger
	uploader RemoteUploader
	observer Observer
	logger   *log.Logger
}

// New returns an engine. The engine does not own book, c or l; the caller
// closes them.
func New(cfg Config, book sheet.Book, c *cache.Cache, l *ledger.Ledger, store storage.ObjectStore) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = organize.DefaultExtensions
	}
	if cfg.SheetName == "" {
		cfg.SheetName = "Portfolio"
	}
	if cfg.Read.Logger == nil {
		cfg.Read.Logger = cfg.Logger
	}
	if cfg.Executor.Logger == nil {
		cfg.Executor.Logger = cfg.Logger
	}

	uploader := NewUploader(c, store, UploaderConfig{
		KeyPrefix: cfg.KeyPrefix,
		Retry:     cfg.Upload,
		Logger:    cfg.Logger,
	})
	return &Engine{
		cfg:      cfg,
		book:     book,
		cache:    c,
		ledger:   l,
		uploader: uploader,
		observer: nopObserver{},
		logger:   cfg.Logger,
	}
}

// SetObserver installs an observer for run progress. Nil removes it.
func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	e.observer = o
}

// Run performs one reconciliation run.
//
// Per-file failures are counted in the returned stats and written to the
// failure ledger; they do not make Run fail. Run returns an error only when
// the run could not proceed: the lock is held, the sheet is unreachable,
// the image directory cannot be walked, or ctx is done. The cache is saved
// in every case.
func (e *Engine) Run(ctx context.Context) (stats *Stats, err error) {
	start := e.cfg.Now()
	stats = &Stats{RunID: start.UTC().Format("20060102T150405Z"), Started: start}
	e.observer.RunStarted(stats.RunID)
	e.logger.Printf("Starting sync run %s", stats.RunID)

	if e.cfg.LockPath != "" {
		lock, lockErr := cache.AcquireLock(e.cfg.LockPath)
		if lockErr != nil {
			err = fmt.Errorf("failed to acquire run lock: %w", lockErr)
			e.observer.RunFinished(stats, err)
			return stats, err
		}
		defer lock.Release()
	}

	var (
		planned  bool
		failures []string
	)
	defer func() {
		stats.Duration = e.cfg.Now().Sub(start)
		if planned {
			failures = ledger.Dedup(failures)
			stats.Failed = len(failures)
			stats.FailedNames = failures
			if saveErr := e.ledger.Save(failures); saveErr != nil {
				e.logger.Printf("Warning: failed to save failure ledger: %v", saveErr)
			}
			if err == nil {
				e.cache.MarkRun(e.cfg.Now())
			}
		}
		if saveErr := e.cache.Save(); saveErr != nil {
			e.logger.Printf("Warning: failed to save cache: %v", saveErr)
		}
		if err != nil {
			e.logger.Printf("Sync run %s ended early: %v", stats.RunID, err)
		} else {
			for _, line := range stats.Lines() {
				e.logger.Print(line)
			}
		}
		e.observer.RunFinished(stats, err)
	}()

	retrySet := e.loadLedger()

	ws, created, err := sheet.OpenOrCreate(ctx, e.book, e.cfg.SheetName)
	if err != nil {
		return stats, fmt.Errorf("failed to open worksheet %s: %w", e.cfg.SheetName, err)
	}
	if created {
		e.logger.Printf("Created worksheet %s", e.cfg.SheetName)
	}

	snap, err := ReadSnapshot(ctx, ws, e.cfg.Read, e.logger)
	if err != nil {
		return stats, err
	}
	e.logger.Printf("Read %d rows from %s", snap.RowCount, e.cfg.SheetName)

	executor := NewExecutor(ws, e.cfg.Executor)
	if len(snap.NewCells) > 0 {
		stats.NewCleared, err = executor.ClearNew(ctx, snap.NewCells)
		if err != nil {
			return stats, err
		}
	}

	items, err := organize.Scanner{Extensions: e.cfg.Extensions, Logger: e.logger}.Scan(e.cfg.ImageDir)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(items)
	e.logger.Printf("Found %d images in %s", len(items), e.cfg.ImageDir)

	ordered, missing := ledger.Prioritize(organize.Organize(items), itemName, retrySet.names)
	for _, name := range missing {
		e.logger.Printf("Dropping %s from the failure ledger: file no longer exists", name)
	}

	planner := NewPlanner(e.cache, e.uploader, e.logger)
	planner.OnFile = func(name string, action Action, err error) {
		e.observer.FileProcessed(stats.RunID, name, action, err)
	}
	plan, err := planner.Plan(ctx, ordered, snap, retrySet.set)
	planned = true
	// Content uploaded this run is committed in the cache, so its row is
	// only written if the name stays in the ledger until the write lands.
	failures = append(plan.FailedNames(), plan.Names()...)
	stats.Candidates = plan.Stats.Candidates
	stats.DuplicatesInRun = plan.Stats.DuplicatesInRun
	stats.SkippedProcessed = plan.Stats.SkippedProcessed
	stats.SkippedEdited = plan.Stats.SkippedEdited
	stats.BytesHashed = plan.Stats.BytesHashed
	if err != nil {
		return stats, err
	}
	e.logger.Printf("Plan: %d updates, %d inserts (%s)", len(plan.Updates), len(plan.Inserts), plan.Stats)

	// Persist before touching the sheet so a crash during the writes keeps
	// every unwritten row in the ledger.
	e.checkpoint(failures)

	res, err := executor.Apply(ctx, plan)
	stats.Updated = res.UpdatedRows
	stats.Inserted = res.InsertedRows
	failures = append(plan.FailedNames(), res.Outstanding(plan)...)
	for _, f := range res.Failures {
		e.observer.FileProcessed(stats.RunID, f.Name, ActionFailed, f)
	}
	if err != nil {
		return stats, err
	}

	if err := executor.Settle(ctx); err != nil {
		return stats, err
	}
	stats.Thumbnails, err = executor.RefreshThumbnails(ctx, snap.RowCount+res.InsertedRows)
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// retryList is the failure ledger of the previous run.
type retryList struct {
	names []string
	set   map[string]bool
}

func (e *Engine) loadLedger() retryList {
	names, err := e.ledger.Load()
	if err != nil {
		e.logger.Printf("Warning: ignoring unreadable failure ledger: %v", err)
		names = nil
	}
	rl := retryList{names: names, set: make(map[string]bool, len(names))}
	for _, n := range names {
		rl.set[n] = true
	}
	if len(names) > 0 {
		e.logger.Printf("Retrying %d files from the previous run first", len(names))
	}
	return rl
}

func (e *Engine) checkpoint(failures []string) {
	if err := e.cache.Save(); err != nil {
		e.logger.Printf("Warning: failed to save cache: %v", err)
	}
	if err := e.ledger.Save(failures); err != nil {
		e.logger.Printf("Warning: failed to save failure ledger: %v", err)
	}
}

func itemName(it organize.Item) string {
	return it.Name
}
