package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

const (
	// eventSize is sizeof(struct input_event) on 64-bit Linux:
	// two 64-bit time fields, type, code, value.
	eventSize = 24

	// readBatch is how many events one read can drain at once.
	readBatch = 64
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Dir is the device directory, normally /dev/input.
	Dir string

	// SysfsRoot is where device metadata lives, normally /sys/class/input.
	SysfsRoot string

	// BufferSize is the event channel buffer.
	BufferSize int

	Logger *slog.Logger
}

// Watcher monitors evdev devices for user activity and hotplug changes.
// Per-source open failures are non-fatal: the source is marked unavailable
// and retried on the next hotplug notification. Losing the hotplug mechanism
// itself is fatal and surfaced through Fatal().
type Watcher struct {
	dir       string
	sysfsRoot string
	logger    *slog.Logger

	events chan Event
	fatal  chan error

	mu      sync.Mutex
	sources map[string]*Source
	readers map[string]*reader

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

type reader struct {
	source *Source
	fd     int
	stop   chan struct{}
}

// NewWatcher creates a watcher; Start begins monitoring.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Dir == "" {
		cfg.Dir = "/dev/input"
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys/class/input"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		dir:       cfg.Dir,
		sysfsRoot: cfg.SysfsRoot,
		logger:    cfg.Logger,
		events:    make(chan Event, cfg.BufferSize),
		fatal:     make(chan error, 1),
		sources:   map[string]*Source{},
		readers:   map[string]*reader{},
	}
}

// Start enumerates existing devices and begins watching for hotplug events.
// The returned error covers watcher-level setup failures only; individual
// devices that cannot be opened are logged and retried later.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create hotplug watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.fsw = fsw

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		fsw.Close()
		return fmt.Errorf("failed to enumerate %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if isEventNode(entry.Name()) {
			w.openSource(entry.Name())
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(runCtx)

	w.logger.Info("Device watcher started", "dir", w.dir, "sources", w.liveCount())
	return nil
}

// Events returns the watcher's event stream. The stream is infinite and
// non-restartable; it ends only when Stop is called.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Fatal delivers at most one watcher-level failure. The watcher is dead
// after emitting it.
func (w *Watcher) Fatal() <-chan error {
	return w.fatal
}

// Stop ends monitoring and releases every device handle.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		if w.fsw != nil {
			w.fsw.Close()
		}

		w.mu.Lock()
		for id := range w.readers {
			w.closeReaderLocked(id)
		}
		w.mu.Unlock()

		w.wg.Wait()
		close(w.events)
		w.logger.Info("Device watcher stopped")
	})
}

// Sources returns a snapshot of all known sources, including unavailable ones.
func (w *Watcher) Sources() []Source {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Source, 0, len(w.sources))
	for _, s := range w.sources {
		out = append(out, *s)
	}
	return out
}

func (w *Watcher) liveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, s := range w.sources {
		if s.Alive {
			n++
		}
	}
	return n
}

// run handles hotplug notifications until the context ends.
func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.surfaceFatal(errors.New("hotplug watcher closed unexpectedly"))
				return
			}
			name := filepath.Base(ev.Name)
			if !isEventNode(name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				w.openSource(name)
				w.retryUnavailable()
			case ev.Op.Has(fsnotify.Remove):
				w.removeSource(name)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.surfaceFatal(errors.New("hotplug watcher closed unexpectedly"))
				return
			}
			w.logger.Warn("Hotplug watcher error", "error", err)
		}
	}
}

func (w *Watcher) surfaceFatal(err error) {
	select {
	case w.fatal <- err:
	default:
	}
}

// openSource opens a device node and begins forwarding its signals. Open and
// permission failures are non-fatal: the source is registered as unavailable
// and retried on the next hotplug notification.
func (w *Watcher) openSource(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, running := w.readers[id]; running {
		return
	}

	path := filepath.Join(w.dir, id)
	src := &Source{
		ID:    id,
		Path:  path,
		Name:  deviceName(w.sysfsRoot, id),
		Class: classify(w.sysfsRoot, id),
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		src.Alive = false
		w.sources[id] = src
		w.logger.Warn("Failed to open input device, will retry on next hotplug",
			"device", id, "error", err)
		return
	}

	src.Alive = true
	w.sources[id] = src

	r := &reader{source: src, fd: fd, stop: make(chan struct{})}
	w.readers[id] = r
	w.wg.Add(1)
	go w.readLoop(r)

	w.logger.Info("Input source added",
		"device", id, "name", src.Name, "class", src.Class.String())
	w.emit(Event{Type: SourceAdded, SourceID: id, Class: src.Class, Timestamp: time.Now()})
}

// retryUnavailable re-attempts sources that previously failed to open.
func (w *Watcher) retryUnavailable() {
	w.mu.Lock()
	var retry []string
	for id, s := range w.sources {
		if !s.Alive {
			if _, err := os.Stat(s.Path); err == nil {
				retry = append(retry, id)
			}
		}
	}
	w.mu.Unlock()

	for _, id := range retry {
		w.mu.Lock()
		delete(w.sources, id)
		w.mu.Unlock()
		w.openSource(id)
	}
}

// removeSource deregisters a hotplug-removed source. Its reader is stopped
// and no further events are emitted for it.
func (w *Watcher) removeSource(id string) {
	w.mu.Lock()
	src, known := w.sources[id]
	if known {
		delete(w.sources, id)
		w.closeReaderLocked(id)
	}
	w.mu.Unlock()

	if !known {
		return
	}
	w.logger.Info("Input source removed", "device", id, "name", src.Name)
	w.emit(Event{Type: SourceRemoved, SourceID: id, Class: src.Class, Timestamp: time.Now()})
}

// closeReaderLocked signals a reader to stop. The reader closes its own fd.
func (w *Watcher) closeReaderLocked(id string) {
	if r, ok := w.readers[id]; ok {
		close(r.stop)
		delete(w.readers, id)
	}
}

// readLoop polls one device fd and forwards activity. Runs until the reader
// is stopped; the fd is closed on every exit path.
func (w *Watcher) readLoop(r *reader) {
	defer w.wg.Done()
	defer unix.Close(r.fd)

	buf := make([]byte, eventSize*readBatch)
	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, 500)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.logger.Warn("Poll failed on input device", "device", r.source.ID, "error", err)
			return
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			// Device went away; fsnotify delivers the remove separately
			return
		}

		nr, err := unix.Read(r.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			w.logger.Warn("Read failed on input device", "device", r.source.ID, "error", err)
			return
		}

		w.forward(r.source, buf[:nr])
	}
}

// forward translates a batch of raw evdev events into watcher events. All
// activity in one batch collapses into a single Activity event; lid switch
// transitions are forwarded individually.
func (w *Watcher) forward(src *Source, raw []byte) {
	now := time.Now()
	activity := false

	for off := 0; off+eventSize <= len(raw); off += eventSize {
		typ := binary.NativeEndian.Uint16(raw[off+16:])
		code := binary.NativeEndian.Uint16(raw[off+18:])
		value := int32(binary.NativeEndian.Uint32(raw[off+20:]))

		switch typ {
		case evKey, evRel, evAbs:
			activity = true
		case evSw:
			if code == swLid {
				t := LidOpened
				if value != 0 {
					t = LidClosed
				}
				w.emit(Event{Type: t, SourceID: src.ID, Class: src.Class, Timestamp: now})
			}
		}
	}

	if activity {
		w.emit(Event{Type: Activity, SourceID: src.ID, Class: src.Class, Timestamp: now})
	}
}

// emit is a non-blocking send; an overloaded coordinator drops bursts rather
// than stalling device readers.
func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Debug("Event channel full, dropping event",
			"type", ev.Type, "device", ev.SourceID)
	}
}
