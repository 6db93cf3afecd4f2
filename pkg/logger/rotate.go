package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const archiveLayout = "20060102T150405.000"

// auditFile appends audit records to a single file and archives it as
// <name>-<timestamp><ext> when it grows past maxSize or the local day changes.
// Archives beyond maxArchives or older than maxAge are pruned on rotation.
type auditFile struct {
	mu          sync.Mutex
	path        string
	maxSize     int64
	maxArchives int
	maxAge      time.Duration
	now         func() time.Time

	f      *os.File
	size   int64
	opened time.Time
}

func newAuditFile(cfg AuditConfig) (*auditFile, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("audit log enabled without a path")
	}
	a := &auditFile{
		path:        cfg.Path,
		maxSize:     int64(orDefault(cfg.MaxSizeMB, 50)) << 20,
		maxArchives: orDefault(cfg.MaxBackups, 5),
		maxAge:      time.Duration(orDefault(cfg.MaxAgeDays, 90)) * 24 * time.Hour,
		now:         time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return nil, fmt.Errorf("audit log dir: %w", err)
	}
	return a, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (a *auditFile) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.f == nil {
		if err := a.openCurrent(); err != nil {
			return 0, err
		}
	}
	if a.due(len(p)) {
		if err := a.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := a.f.Write(p)
	a.size += int64(n)
	return n, err
}

func (a *auditFile) due(next int) bool {
	if a.size == 0 {
		return false
	}
	if a.size+int64(next) > a.maxSize {
		return true
	}
	y1, m1, d1 := a.opened.Date()
	y2, m2, d2 := a.now().Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

func (a *auditFile) openCurrent() error {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	a.f, a.size = f, st.Size()
	a.opened = st.ModTime()
	if a.size == 0 {
		a.opened = a.now()
	}
	return nil
}

func (a *auditFile) rotate() error {
	if err := a.f.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	a.f = nil
	if err := os.Rename(a.path, a.archiveName(a.now())); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	a.prune()
	return a.openCurrent()
}

func (a *auditFile) archiveName(t time.Time) string {
	ext := filepath.Ext(a.path)
	return strings.TrimSuffix(a.path, ext) + "-" + t.Format(archiveLayout) + ext
}

// archives lists existing archives, newest first. The timestamp layout sorts
// lexically.
func (a *auditFile) archives() []string {
	ext := filepath.Ext(a.path)
	matches, _ := filepath.Glob(strings.TrimSuffix(a.path, ext) + "-*" + ext)
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

func (a *auditFile) prune() {
	cutoff := a.now().Add(-a.maxAge)
	for i, name := range a.archives() {
		st, err := os.Stat(name)
		if i >= a.maxArchives || (err == nil && st.ModTime().Before(cutoff)) {
			_ = os.Remove(name)
		}
	}
}

func (a *auditFile) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f, a.size = nil, 0
	return err
}
