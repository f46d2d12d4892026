package filedrop

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fileOp is the kind of change seen on a drop file.
type fileOp int

const (
	opArrived fileOp = iota
	opRemoved
)

func (op fileOp) String() string {
	switch op {
	case opArrived:
		return "arrived"
	case opRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// area is the directory a drop file lives in.
type area int

const (
	areaInbox area = iota
	areaContext
	areaPresence
)

func (a area) String() string {
	switch a {
	case areaInbox:
		return "inbox"
	case areaContext:
		return "context"
	case areaPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// fileEvent is a change to a drop file.
type fileEvent struct {
	Path string
	Area area
	Op   fileOp
}

// watcher watches the inbox, the context directory and the peer's presence
// marker. Temporary files are ignored; writers rename complete files into
// place, so an arrival is always a whole file.
type watcher struct {
	fs     *fsnotify.Watcher
	events chan fileEvent
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	inbox, context, presence string
}

func newWatcher(inbox, context, presence string) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &watcher{
		fs:       fs,
		events:   make(chan fileEvent, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		inbox:    filepath.Clean(inbox),
		context:  filepath.Clean(context),
		presence: filepath.Clean(presence),
	}

	for _, dir := range []string{w.inbox, w.context, filepath.Dir(w.presence)} {
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *watcher) stop() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if fe, ok := w.convert(ev); ok {
				select {
				case w.events <- fe:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *watcher) convert(ev fsnotify.Event) (fileEvent, bool) {
	path := filepath.Clean(ev.Name)
	if strings.HasPrefix(filepath.Base(path), tempPrefix) {
		return fileEvent{}, false
	}

	var a area
	switch {
	case path == w.presence:
		a = areaPresence
	case filepath.Dir(path) == w.inbox && strings.HasSuffix(path, fileExt):
		a = areaInbox
	case filepath.Dir(path) == w.context && strings.HasSuffix(path, fileExt):
		a = areaContext
	default:
		return fileEvent{}, false
	}

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		return fileEvent{Path: path, Area: a, Op: opArrived}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return fileEvent{Path: path, Area: a, Op: opRemoved}, true
	default:
		return fileEvent{}, false
	}
}
