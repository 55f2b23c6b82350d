// Package daemon keeps the worksheet in sync while images are being added.
//
// The daemon:
//  1. Runs one full sync on start
//  2. Watches the image tree for new, changed and removed images
//  3. Starts another run once the tree has been quiet for the debounce interval
//  4. Rescans periodically to pick up failures and missed events
//
// Runs never overlap. Events that arrive during a run are coalesced into a
// single follow-up run.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/portfolio-tools/imgsync/internal/cache"
	"github.com/portfolio-tools/imgsync/internal/organize"
	imgsync "github.com/portfolio-tools/imgsync/internal/sync"
)

// Runner performs one sync run.
type Runner interface {
	Run(ctx context.Context) (*imgsync.Stats, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long the tree must be quiet after a change
	// before a run starts.
	DebounceInterval time.Duration

	// RescanInterval triggers a run even without file events. Zero disables
	// periodic rescans.
	RescanInterval time.Duration

	// Extensions of files that count as images.
	Extensions []string

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns the default daemon settings.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 2 * time.Second,
		RescanInterval:   15 * time.Minute,
		Extensions:       organize.DefaultExtensions,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs the sync engine in response to file changes.
type Daemon struct {
	runner Runner
	dir    string
	config *Config

	watcher *ImageWatcher

	changeMu    sync.Mutex
	pending     int
	lastChanged time.Time

	trigger chan struct{}
	runs    atomic.Int64

	lastMu    sync.Mutex
	lastStats *imgsync.Stats
	lastErr   error

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  atomic.Bool
}

// New creates a daemon that syncs dir with runner.
func New(runner Runner, dir string) (*Daemon, error) {
	return NewWithConfig(runner, dir, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(runner Runner, dir string, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("image directory cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if len(config.Extensions) == 0 {
		config.Extensions = organize.DefaultExtensions
	}

	watcher, err := NewImageWatcher(config.Extensions)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		runner:  runner,
		dir:     dir,
		config:  config,
		watcher: watcher,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs an initial sync, then watches for changes until ctx is
// cancelled or Stop is called. A failed run is logged and does not stop the
// daemon.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("daemon already started")
	}
	d.config.Logger.Printf("Starting daemon for %s", d.dir)

	stopWatching := context.AfterFunc(ctx, d.cancel)
	defer stopWatching()

	d.runOnce("initial")
	if d.ctx.Err() != nil {
		return d.Stop()
	}

	if err := d.watcher.Start(d.dir); err != nil {
		d.Stop()
		return fmt.Errorf("failed to watch image directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.dir)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.runLoop()
	if d.config.RescanInterval > 0 {
		d.wg.Add(1)
		go d.rescanLoop()
	}

	<-d.ctx.Done()
	d.config.Logger.Println("Shutdown signal received")
	return d.Stop()
}

// Stop shuts the daemon down and waits for an in-flight run to return. It
// is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		if stopErr := d.watcher.Stop(); stopErr != nil {
			d.config.Logger.Printf("Error closing watcher: %v", stopErr)
		}
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// Trigger requests a run. Requests made while a run is queued are merged.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Runs returns the number of runs started so far.
func (d *Daemon) Runs() int64 {
	return d.runs.Load()
}

// LastRun returns the result of the most recent run.
func (d *Daemon) LastRun() (*imgsync.Stats, error) {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	return d.lastStats, d.lastErr
}

func (d *Daemon) runOnce(reason string) {
	d.runs.Add(1)
	d.config.Logger.Printf("Sync run triggered (%s)", reason)

	stats, err := d.runner.Run(d.ctx)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrLocked):
		d.config.Logger.Printf("Skipped run: another sync holds the lock")
	case d.ctx.Err() != nil:
		d.config.Logger.Printf("Run interrupted by shutdown")
	default:
		d.config.Logger.Printf("Run failed: %v", err)
	}

	d.lastMu.Lock()
	d.lastStats, d.lastErr = stats, err
	d.lastMu.Unlock()
}

// runLoop serializes runs requested by the change queue and the rescan timer.
func (d *Daemon) runLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.trigger:
			d.runOnce("queued")
		}
	}
}

// watchFileEvents records image changes in the change queue.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.config.Logger.Printf("File event: %s %s", event.Op, event.Path)
			d.queueChange()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange() {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()

	d.pending++
	d.lastChanged = time.Now()
}

// processChangeQueue triggers a run once changes have settled.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

func (d *Daemon) processPendingChanges() {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()

	if d.pending == 0 || time.Since(d.lastChanged) < d.config.DebounceInterval {
		return
	}
	d.config.Logger.Printf("Processing %d queued changes", d.pending)
	d.pending = 0
	d.Trigger()
}

func (d *Daemon) rescanLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Trigger()
		}
	}
}
