// Package summary writes scalar training summaries as TensorBoard event
// files and reads them back.
package summary

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Writer appends scalar summaries to one event file. It is safe for
// concurrent use.
type Writer struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	now    func() time.Time
	mu     sync.Mutex
	closed bool
}

// NewWriter creates dir if needed and opens a fresh event file in it named
// events.out.tfevents.<unix seconds>.<hostname>.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create summary directory: %w", err)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("events.out.tfevents.%d.%s", now.Unix(), host))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create event file: %w", err)
	}

	w := &Writer{path: path, file: file, buf: bufio.NewWriter(file), now: time.Now}
	if err := w.write(&Event{WallTime: wallTime(now), FileVersion: FileVersion}); err != nil {
		file.Close()
		return nil, err
	}
	if err := w.buf.Flush(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write event file header: %w", err)
	}
	klog.V(2).Infof("summary writer opened %s", path)
	return w, nil
}

func (w *Writer) Path() string {
	return w.path
}

// AddScalar appends one (tag, value, step) record.
func (w *Writer) AddScalar(tag string, value float32, step int64) error {
	return w.AddScalars(step, Scalar{Tag: tag, Value: value, Step: step})
}

// AddScalars appends several values recorded at the same step as one event.
// A Scalar may leave Step zero; any other Step must equal step.
func (w *Writer) AddScalars(step int64, scalars ...Scalar) error {
	for _, s := range scalars {
		if s.Step != 0 && s.Step != step {
			return fmt.Errorf("scalar %s has step %d, event step is %d", s.Tag, s.Step, step)
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("summary writer for %s is closed", w.path)
	}

	e := &Event{WallTime: wallTime(w.now()), Step: step}
	for _, s := range scalars {
		e.Values = append(e.Values, Value{Tag: s.Tag, SimpleValue: s.Value})
	}
	return w.write(e)
}

// Flush pushes buffered records to the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.buf.Flush()
}

// Close flushes and closes the file. Closing twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush event file: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to sync event file: %w", err)
	}
	return w.file.Close()
}

func (w *Writer) write(e *Event) error {
	if err := writeRecord(w.buf, e.Marshal()); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func wallTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
