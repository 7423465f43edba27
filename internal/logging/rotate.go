package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"dwarfendepths/movecore/internal/config"
)

// backupStamp sorts lexically in chronological order.
const backupStamp = "20060102T150405.000"

// rollPolicy decides when the active file rolls and which backups survive.
type rollPolicy struct {
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	gzip       bool
}

func policyFrom(cfg config.LoggingConfig) (rollPolicy, error) {
	var problems []string
	if cfg.MaxSizeMB <= 0 {
		problems = append(problems, "MOVECORE_LOG_MAX_SIZE_MB must be positive")
	}
	if cfg.MaxBackups < 0 {
		problems = append(problems, "MOVECORE_LOG_MAX_BACKUPS must be non-negative")
	}
	if cfg.MaxAgeDays < 0 {
		problems = append(problems, "MOVECORE_LOG_MAX_AGE_DAYS must be non-negative")
	}
	if len(problems) > 0 {
		return rollPolicy{}, errors.New(strings.Join(problems, "; "))
	}
	return rollPolicy{
		maxBytes:   int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		gzip:       cfg.Compress,
	}, nil
}

// rollingFile is an append-only log file that moves itself aside to
// <name>-<stamp><ext> once it would exceed the policy size.
type rollingFile struct {
	mu      sync.Mutex
	path    string
	policy  rollPolicy
	active  *os.File
	written int64
	now     func() time.Time
}

func newRollingFile(cfg config.LoggingConfig) (*rollingFile, error) {
	policy, err := policyFrom(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("log directory: %w", err)
	}
	f := &rollingFile{path: cfg.Path, policy: policy, now: time.Now}
	if err := f.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *rollingFile) open(mode int) error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log: %w", err)
	}
	f.active = file
	f.written = info.Size()
	return nil
}

func (f *rollingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return 0, os.ErrClosed
	}
	//1.- A single oversized line still gets its own file instead of looping.
	if f.written > 0 && f.written+int64(len(p)) > f.policy.maxBytes {
		if err := f.roll(); err != nil {
			return 0, err
		}
	}
	n, err := f.active.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *rollingFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	return f.active.Sync()
}

func (f *rollingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	err := f.active.Close()
	f.active = nil
	return err
}

func (f *rollingFile) backupName(at time.Time) string {
	ext := filepath.Ext(f.path)
	return strings.TrimSuffix(f.path, ext) + "-" + at.UTC().Format(backupStamp) + ext
}

// roll must be called with mu held.
func (f *rollingFile) roll() error {
	if err := f.active.Close(); err != nil {
		return err
	}
	f.active = nil
	backup := f.backupName(f.now())
	if err := os.Rename(f.path, backup); err != nil {
		return fmt.Errorf("move log aside: %w", err)
	}
	if f.policy.gzip {
		if err := gzipInPlace(backup); err != nil {
			fmt.Fprintf(os.Stderr, "log compression failed: %v\n", err)
		}
	}
	f.prune()
	return f.open(os.O_TRUNC)
}

// prune removes backups beyond the count limit, newest kept, then any older
// than the age limit.
func (f *rollingFile) prune() {
	ext := filepath.Ext(f.path)
	prefix := strings.TrimSuffix(filepath.Base(f.path), ext) + "-"
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(f.path), prefix+"*"))
	if err != nil {
		return
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	cutoff := time.Time{}
	if f.policy.maxAge > 0 {
		cutoff = f.now().Add(-f.policy.maxAge)
	}
	for i, name := range matches {
		stale := f.policy.maxBackups > 0 && i >= f.policy.maxBackups
		if !stale && !cutoff.IsZero() {
			stamp := strings.TrimPrefix(filepath.Base(name), prefix)
			stamp = strings.TrimSuffix(strings.TrimSuffix(stamp, ".gz"), ext)
			if at, err := time.Parse(backupStamp, stamp); err == nil && at.Before(cutoff) {
				stale = true
			}
		}
		if stale {
			os.Remove(name)
		}
	}
}

// gzipInPlace replaces path with path.gz.
func gzipInPlace(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	tmp := path + ".gz.tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	_, copyErr := io.Copy(zw, src)
	closeErr := errors.Join(zw.Close(), dst.Close())
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path+".gz"); err != nil {
		return err
	}
	return os.Remove(path)
}
