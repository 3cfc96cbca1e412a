package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// DailyFileWriter is an io.Writer appending to {service}_{date}.log in a
// directory and switching files on the first write of a new day. Safe for
// concurrent use.
type DailyFileWriter struct {
	service string
	dir     string
	now     func() time.Time

	mu       sync.Mutex
	file     *os.File
	currDate string
	closed   bool
}

// NewDailyFileWriter opens today's file in logDir. The directory must exist.
//
// Parameters:
//   - service: Service name used in file names
//   - logDir: Directory for the log files
//
// Returns:
//   - The writer, or an error if the file cannot be opened
func NewDailyFileWriter(service string, logDir string) (*DailyFileWriter, error) {
	return newDailyFileWriter(service, logDir, time.Now)
}

func newDailyFileWriter(service, logDir string, now func() time.Time) (*DailyFileWriter, error) {
	w := &DailyFileWriter{service: service, dir: logDir, now: now}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.openLocked(now().Format(dateLayout)); err != nil {
		return nil, fmt.Errorf("initial rotation failed: %w", err)
	}

	return w, nil
}

// Write implements io.Writer.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}

	if date := w.now().Format(dateLayout); date != w.currDate || w.file == nil {
		if err := w.openLocked(date); err != nil {
			return 0, fmt.Errorf("rotation failed: %w", err)
		}
	}

	return w.file.Write(p)
}

// Close closes the current file. Later writes fail. Safe to call more than once.
func (w *DailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// CurrentLogFile returns the path being written, or "" when closed.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}

	return w.path(w.currDate)
}

func (w *DailyFileWriter) path(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
}

// openLocked switches to the file for date; the caller holds w.mu.
func (w *DailyFileWriter) openLocked(date string) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	filename := w.path(date)
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", filename, err)
	}

	w.file = file
	w.currDate = date
	return nil
}
