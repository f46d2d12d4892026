// Package filedrop links two processes on one machine through a shared
// directory.
//
// Each side owns a subdirectory of the drop root:
//
//	<root>/<side>/online       present while the side is running
//	<root>/<side>/inbox/       messages for the side, one file each
//	<root>/<side>/context/     durable context for the side, one file per key
//
// Writers create a temporary file and rename it into place. Readers delete
// a file once its content has been emitted. A context file is replaced by a
// later write for the same key, so the reader only sees the latest value.
package filedrop

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/polycycle/sleepsync/internal/channel"
	"github.com/polycycle/sleepsync/internal/logging"
)

const (
	tempPrefix   = ".tmp-"
	fileExt      = ".json"
	presenceName = "online"
	eventBuffer  = 256
)

// Config configures a Transport.
type Config struct {
	// Dir is the shared drop root
	Dir string
	// Self and Peer name the two sides, e.g. "host" and "companion"
	Self, Peer string
	Logger     *zap.SugaredLogger
}

// Transport is one side of a directory-drop link.
type Transport struct {
	cfg    Config
	logger *zap.SugaredLogger

	selfDir, peerDir string

	seq       atomic.Uint64
	reachable atomic.Bool

	mu      sync.Mutex
	watcher *watcher
	events  chan channel.Event
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// New creates a Transport. Nothing touches the disk until Activate.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:     cfg,
		logger:  logging.Named(cfg.Logger, "filedrop").With("self", cfg.Self),
		selfDir: filepath.Join(cfg.Dir, cfg.Self),
		peerDir: filepath.Join(cfg.Dir, cfg.Peer),
		events:  make(chan channel.Event, eventBuffer),
		done:    make(chan struct{}),
	}
}

func inboxDir(side string) string   { return filepath.Join(side, "inbox") }
func contextDir(side string) string { return filepath.Join(side, "context") }
func presencePath(side string) string {
	return filepath.Join(side, presenceName)
}

// Activate implements channel.Transport.
func (t *Transport) Activate(ctx context.Context) error {
	if t.cfg.Self == "" || t.cfg.Peer == "" || t.cfg.Self == t.cfg.Peer {
		return fmt.Errorf("filedrop needs two distinct side names (self %q, peer %q)", t.cfg.Self, t.cfg.Peer)
	}
	for _, side := range []string{t.selfDir, t.peerDir} {
		for _, dir := range []string{inboxDir(side), contextDir(side)} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w, err := newWatcher(inboxDir(t.selfDir), contextDir(t.selfDir), presencePath(t.peerDir))
	if err != nil {
		return err
	}
	if err := os.WriteFile(presencePath(t.selfDir), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		_ = w.stop()
		return fmt.Errorf("failed to write presence marker: %w", err)
	}

	t.mu.Lock()
	t.watcher = w
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(w)
	return nil
}

// Send implements channel.Transport. A message for a peer that is not
// running is refused.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.reachable.Load() {
		return channel.ErrPeerUnreachable
	}
	name := fmt.Sprintf("%020d-%06d%s", time.Now().UnixNano(), t.seq.Add(1)%1_000_000, fileExt)
	return writeAtomic(inboxDir(t.peerDir), name, data)
}

// ReplicateContext implements channel.Transport.
func (t *Transport) ReplicateContext(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(contextDir(t.peerDir), contextFileName(key), data)
}

func contextFileName(key string) string { return url.QueryEscape(key) + fileExt }

// Events implements channel.Transport.
func (t *Transport) Events() <-chan channel.Event { return t.events }

// Close implements channel.Transport. The presence marker is removed so the
// peer sees this side go away.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	w := t.watcher
	t.mu.Unlock()

	var errs []error
	if err := os.Remove(presencePath(t.selfDir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	close(t.done)
	if w != nil {
		if err := w.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	close(t.events)
	return errors.Join(errs...)
}

func (t *Transport) run(w *watcher) {
	defer t.wg.Done()

	t.setReachable(fileExists(presencePath(t.peerDir)), true)
	t.drain(contextDir(t.selfDir), areaContext)
	t.drain(inboxDir(t.selfDir), areaInbox)

	for {
		select {
		case <-t.done:
			return
		case fe, ok := <-w.events:
			if !ok {
				return
			}
			t.handle(fe)
		case err, ok := <-w.errors:
			if !ok {
				return
			}
			t.logger.Warnw("watch error", "error", err)
		}
	}
}

func (t *Transport) handle(fe fileEvent) {
	switch fe.Area {
	case areaPresence:
		t.setReachable(fe.Op == opArrived, false)
	case areaInbox, areaContext:
		if fe.Op == opArrived {
			t.consume(fe.Path, fe.Area)
		}
	}
}

// drain consumes files already present in dir in the order they were
// written. Context keys sort independently of write order, and a rating
// replicated after its session must not be delivered first.
func (t *Transport) drain(dir string, a area) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.logger.Warnw("failed to read drop directory", "dir", dir, "error", err)
		return
	}
	type dropFile struct {
		name    string
		written time.Time
	}
	files := make([]dropFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// consumed or replaced since ReadDir
			continue
		}
		files = append(files, dropFile{name: e.Name(), written: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].written.Equal(files[j].written) {
			return files[i].written.Before(files[j].written)
		}
		return files[i].name < files[j].name
	})
	for _, f := range files {
		t.consume(filepath.Join(dir, f.name), a)
	}
}

// consume emits the file's content and removes it. A file already
// consumed through an earlier event is skipped.
func (t *Transport) consume(path string, a area) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		t.logger.Warnw("failed to read drop file", "path", path, "error", err)
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger.Warnw("failed to remove drop file", "path", path, "error", err)
	}

	ev := channel.Event{Type: channel.EventMessage, Data: data}
	if a == areaContext {
		key, err := url.QueryUnescape(strings.TrimSuffix(filepath.Base(path), fileExt))
		if err != nil {
			t.logger.Warnw("bad context file name", "path", path, "error", err)
			return
		}
		ev = channel.Event{Type: channel.EventContext, Key: key, Data: data}
	}
	t.emit(ev)
}

func (t *Transport) setReachable(v, initial bool) {
	if t.reachable.Swap(v) == v && !initial {
		return
	}
	t.logger.Debugw("peer presence", "reachable", v)
	t.emit(channel.Event{Type: channel.EventReachability, Reachable: v})
}

func (t *Transport) emit(ev channel.Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

var _ channel.Transport = (*Transport)(nil)
