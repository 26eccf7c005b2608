// Package journal appends an audit trail of session changes as JSON lines,
// one directory per UTC day.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/routeshot/internal/session"
)

const (
	defaultBufferSize = 1024
	defaultMaxSizeMB  = 50
	fileName          = "journal.jsonl"
)

// Record is one journal line.
type Record struct {
	Time          time.Time          `json:"time"`
	Kind          session.ChangeKind `json:"kind"`
	SessionID     string             `json:"session_id"`
	Scope         string             `json:"scope"`
	RunID         string             `json:"run_id"`
	State         session.State      `json:"state"`
	Version       int64              `json:"version"`
	Annotations   int                `json:"annotations"`
	Outstanding   int                `json:"outstanding"`
	AnnotationIDs []string           `json:"annotation_ids,omitempty"`
}

// Writer queues records and writes them from one goroutine so observers
// never block on disk.
type Writer struct {
	baseDir     string
	maxSizeMB   int
	writeCh     chan Record
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
	now         func() time.Time
}

// NewWriter starts a writer rooted at baseDir. Zero sizes select defaults.
func NewWriter(baseDir string, bufferSize, maxSizeMB int) *Writer {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	w := &Writer{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Record, bufferSize),
		done:      make(chan struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// SessionChanged makes the writer a session.Observer.
func (w *Writer) SessionChanged(c session.Change) {
	rec := Record{
		Time:          c.At,
		Kind:          c.Kind,
		SessionID:     c.Session.ID,
		Scope:         c.Session.Scope,
		RunID:         c.Session.RunID,
		State:         c.Session.State,
		Version:       c.Session.Version,
		Annotations:   len(c.Session.Annotations),
		Outstanding:   c.Session.Outstanding(),
		AnnotationIDs: c.AnnotationIDs,
	}
	if err := w.Write(rec); err != nil {
		slog.Warn("journal record dropped", "session_id", rec.SessionID, "kind", rec.Kind, "error", err)
	}
}

// Write queues a record without blocking.
func (w *Writer) Write(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = w.now()
	}
	select {
	case <-w.done:
		return errors.New("journal writer is closed")
	default:
	}
	select {
	case w.writeCh <- rec:
		return nil
	default:
		return errors.New("journal buffer full")
	}
}

// Close flushes queued records and closes the file.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		return w.logger.Close()
	}
	return nil
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case rec := <-w.writeCh:
			w.writeRecord(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.writeCh:
					w.writeRecord(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) writeRecord(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("journal marshal failed", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	date := rec.Time.UTC().Format("2006-01-02")
	if w.logger == nil || date != w.currentDate {
		if err := w.rotateForDate(date); err != nil {
			slog.Error("journal rotate failed", "error", err, "date", date)
			return
		}
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err)
	}
}

func (w *Writer) rotateForDate(date string) error {
	if w.logger != nil {
		_ = w.logger.Close()
	}
	dir := filepath.Join(w.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	filename := filepath.Join(dir, fileName)
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     90,
		LocalTime:  false,
	}
	w.currentDate = date
	slog.Info("opened journal file", "file", filename)
	return nil
}
