package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

type opKind int

const (
	opWrite opKind = iota
	opAppend
	opRemove
)

type fileOp struct {
	kind opKind
	data []byte
}

// merge folds a newer op into a pending one for the same path.
func merge(old, next fileOp) fileOp {
	switch next.kind {
	case opWrite, opRemove:
		return next
	}
	switch old.kind {
	case opRemove:
		return fileOp{kind: opWrite, data: next.data}
	default:
		data := make([]byte, 0, len(old.data)+len(next.data))
		data = append(append(data, old.data...), next.data...)
		return fileOp{kind: old.kind, data: data}
	}
}

// Writer owns every file write of the memory stack. Operations are applied
// by one goroutine; pending operations on the same path coalesce so a burst
// of mutations produces one write. Full writes go through a temp file and a
// rename, so readers never see a partial document.
type Writer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]fileOp
	order   []string
	seq     uint64
	done    uint64
	lastErr error
	closed  bool

	wake    chan struct{}
	stopped chan struct{}
	logger  *zap.Logger
}

// NewWriter starts the writer goroutine.
func NewWriter(logger *zap.Logger) *Writer {
	w := &Writer{
		pending: make(map[string]fileOp),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Write replaces the file at path with data.
func (w *Writer) Write(path string, data []byte) error {
	return w.submit(path, fileOp{kind: opWrite, data: data})
}

// Append adds data to the end of the file at path, creating it if needed.
func (w *Writer) Append(path string, data []byte) error {
	return w.submit(path, fileOp{kind: opAppend, data: data})
}

// Remove deletes the file at path. A missing file is not an error.
func (w *Writer) Remove(path string) error {
	return w.submit(path, fileOp{kind: opRemove})
}

func (w *Writer) submit(path string, op fileOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if old, ok := w.pending[path]; ok {
		w.pending[path] = merge(old, op)
	} else {
		w.pending[path] = op
		w.order = append(w.order, path)
	}
	w.seq++
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush blocks until every operation submitted before the call is on disk
// and returns the last write error, if any.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	target := w.seq
	for w.done < target {
		w.cond.Wait()
	}
	return w.lastErr
}

// Close drains pending operations and stops the goroutine.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.stopped
		return nil
	}
	w.closed = true
	close(w.wake)
	w.mu.Unlock()
	<-w.stopped
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Writer) run() {
	defer close(w.stopped)
	for range w.wake {
		w.drain()
	}
	w.drain()
}

func (w *Writer) drain() {
	w.mu.Lock()
	batch, order, target := w.pending, w.order, w.seq
	w.pending = make(map[string]fileOp)
	w.order = nil
	w.mu.Unlock()

	var firstErr error
	for _, path := range order {
		if err := apply(path, batch[path]); err != nil {
			w.logger.Warn("memory persist failed", zap.String("path", path), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	w.mu.Lock()
	w.done = target
	if len(order) > 0 {
		w.lastErr = firstErr
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

func apply(path string, op fileOp) error {
	if op.kind == opRemove {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if op.kind == opAppend {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		if _, err := f.Write(op.data); err != nil {
			f.Close()
			return fmt.Errorf("append %s: %w", path, err)
		}
		return f.Close()
	}
	return writeAtomic(path, op.data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
