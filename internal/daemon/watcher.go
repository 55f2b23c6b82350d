package daemon

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp is the kind of change observed on an image file.
type EventOp int

const (
	// OpCreate means a new image appeared.
	OpCreate EventOp = iota
	// OpModify means an existing image was rewritten.
	OpModify
	// OpDelete means an image was removed or renamed away.
	OpDelete
)

func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to one image file under the watched root.
type FileEvent struct {
	Path string
	Op   EventOp
}

// ImageWatcher watches a directory tree for image changes. Directories
// created after Start are watched as they appear.
type ImageWatcher struct {
	watcher *fsnotify.Watcher
	exts    map[string]bool
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	root    string
}

// NewImageWatcher creates a watcher for files with the given extensions.
// The watcher must be started with Start before it emits events.
func NewImageWatcher(exts []string) (*ImageWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		want[strings.ToLower(e)] = true
	}
	return &ImageWatcher{
		watcher: w,
		exts:    want,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start watches root and every directory below it.
func (iw *ImageWatcher) Start(root string) error {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if iw.running {
		return fmt.Errorf("watcher already running")
	}
	iw.root = root
	if err := iw.addTree(root); err != nil {
		return err
	}

	iw.running = true
	iw.wg.Add(1)
	go iw.processEvents()
	return nil
}

// Stop stops watching and closes the Events and Errors channels. It blocks
// until the event loop has exited.
func (iw *ImageWatcher) Stop() error {
	iw.mu.Lock()
	if !iw.running {
		iw.mu.Unlock()
		return iw.watcher.Close()
	}
	iw.running = false
	iw.mu.Unlock()

	close(iw.done)
	if err := iw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	iw.wg.Wait()

	close(iw.events)
	close(iw.errors)
	return nil
}

// Events returns the channel of image changes.
func (iw *ImageWatcher) Events() <-chan FileEvent {
	return iw.events
}

// Errors returns the channel of watcher errors.
func (iw *ImageWatcher) Errors() <-chan error {
	return iw.errors
}

// IsRunning reports whether the watcher has been started and not stopped.
func (iw *ImageWatcher) IsRunning() bool {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	return iw.running
}

// addTree adds dir and its subdirectories to the watch list.
func (iw *ImageWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := iw.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", path, err)
		}
		return nil
	})
}

func (iw *ImageWatcher) processEvents() {
	defer iw.wg.Done()

	for {
		select {
		case <-iw.done:
			return

		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			for _, fe := range iw.convertEvent(event) {
				select {
				case iw.events <- fe:
				case <-iw.done:
					return
				}
			}

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case iw.errors <- err:
			case <-iw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to zero or more image events. A new
// directory is watched and any images already inside it are reported as
// created, since they may have landed before the watch was added.
func (iw *ImageWatcher) convertEvent(event fsnotify.Event) []FileEvent {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return iw.newDirectory(event.Name)
		}
	}
	if !iw.isImage(event.Name) {
		return nil
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The new name of a rename arrives as its own create.
		op = OpDelete
	default:
		return nil
	}
	return []FileEvent{{Path: event.Name, Op: op}}
}

func (iw *ImageWatcher) newDirectory(dir string) []FileEvent {
	if err := iw.addTree(dir); err != nil {
		select {
		case iw.errors <- err:
		default:
		}
		return nil
	}
	var found []FileEvent
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && iw.isImage(path) {
			found = append(found, FileEvent{Path: path, Op: OpCreate})
		}
		return nil
	})
	return found
}

// isImage reports whether path has a watched extension. Hidden files are
// ignored; editors and sync clients use them for partial writes.
func (iw *ImageWatcher) isImage(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return iw.exts[strings.ToLower(filepath.Ext(base))]
}
