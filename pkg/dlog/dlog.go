// Package dlog provides dated log files and a zap logger writing into them.
// Files are named YYYYMMDD and the writer switches files when the day changes.
package dlog

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DatedLog writes to YYYYMMDD-named files in a directory, rotating daily.
type DatedLog struct {
	dir     string
	mu      sync.Mutex
	curDate string
	file    *os.File
	now     func() time.Time
}

// New creates a DatedLog that writes into dir. The directory is created if
// it does not exist.
func New(dir string) (*DatedLog, error) {
	return newWithClock(dir, time.Now)
}

func newWithClock(dir string, now func() time.Time) (*DatedLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "dlog: mkdir %s", dir)
	}
	dl := &DatedLog{dir: dir, now: now}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if err := dl.rotateLocked(now().Format("20060102")); err != nil {
		return nil, err
	}
	return dl, nil
}

// Write implements io.Writer, switching files first if the day has changed.
func (dl *DatedLog) Write(p []byte) (int, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	today := dl.now().Format("20060102")
	if today != dl.curDate {
		if err := dl.rotateLocked(today); err != nil {
			return 0, err
		}
	}
	return dl.file.Write(p)
}

// Sync flushes the current file to disk.
func (dl *DatedLog) Sync() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.file == nil {
		return nil
	}
	return dl.file.Sync()
}

// Close closes the current log file.
func (dl *DatedLog) Close() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.file == nil {
		return nil
	}
	err := dl.file.Close()
	dl.file = nil
	return err
}

// Path returns the file currently being written.
func (dl *DatedLog) Path() string {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return filepath.Join(dl.dir, dl.curDate)
}

func (dl *DatedLog) rotateLocked(date string) error {
	if dl.file != nil {
		dl.file.Close()
	}
	path := filepath.Join(dl.dir, date)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "dlog: open %s", path)
	}
	dl.file = f
	dl.curDate = date
	return nil
}

// Setup builds a zap logger writing to YYYYMMDD files in logDir.
// If debug is true, output also goes to stderr and the level drops to debug.
// The DatedLog is returned so the caller can Close it on shutdown.
func Setup(logDir string, debug bool) (*zap.Logger, *DatedLog, error) {
	dl, err := New(logDir)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(dl), level),
	}
	if debug {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level))
	}
	return zap.New(zapcore.NewTee(cores...)), dl, nil
}
