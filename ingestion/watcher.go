package ingestion

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FileOp classifies a watched file system change.
type FileOp int

const (
	FileCreated FileOp = iota + 1
	FileModified
	FileDeleted
	// FileError carries a watcher failure in Err; Path is empty.
	FileError
)

// FileEvent reports a change to a file with a watched extension, or an error
// raised by the underlying watcher.
type FileEvent struct {
	Path string
	Op   FileOp
	Err  error
}

// Watcher emits FileEvents for a directory using fsnotify.
type Watcher struct {
	watcher    *fsnotify.Watcher
	extensions []string
}

// NewWatcher creates a watcher filtering on the given extensions
// (SupportedExtensions when empty).
func NewWatcher(extensions []string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if len(extensions) == 0 {
		extensions = SupportedExtensions
	}
	return &Watcher{watcher: w, extensions: extensions}, nil
}

// Watch starts monitoring dir. The returned channel is closed when ctx is
// done or the watcher is closed.
func (w *Watcher) Watch(ctx context.Context, dir string) (<-chan FileEvent, error) {
	if err := w.watcher.Add(dir); err != nil {
		return nil, err
	}

	events := make(chan FileEvent, 100)
	go w.forward(ctx, w.watcher.Events, w.watcher.Errors, events)
	return events, nil
}

// forward translates fsnotify events and errors into FileEvents until ctx is
// done or either source closes, then closes out.
func (w *Watcher) forward(ctx context.Context, fsEvents <-chan fsnotify.Event, fsErrors <-chan error, out chan<- FileEvent) {
	defer close(out)
	for {
		var next FileEvent
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsEvents:
			if !ok {
				return
			}
			if !w.watched(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				next = FileEvent{Path: event.Name, Op: FileCreated}
			case event.Has(fsnotify.Write):
				next = FileEvent{Path: event.Name, Op: FileModified}
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				next = FileEvent{Path: event.Name, Op: FileDeleted}
			default:
				continue
			}
		case err, ok := <-fsErrors:
			if !ok {
				return
			}
			next = FileEvent{Op: FileError, Err: err}
		}

		select {
		case out <- next:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) watched(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.extensions {
		if ext == e {
			return true
		}
	}
	return false
}
