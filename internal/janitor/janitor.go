// Package janitor runs scheduled hygiene sweeps: compressing and expiring
// raw worker logs, and reaping the mailboxes of ended sessions.
package janitor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/robfig/cron/v3"

	"github.com/marcus/warden/internal/logging"
	"github.com/marcus/warden/internal/store"
)

// Defaults for the sweep policy.
const (
	DefaultSchedule         = "17 * * * *" // hourly, off the minute to avoid stampedes
	DefaultCompressAfter    = 24 * time.Hour
	DefaultDeleteAfter      = 7 * 24 * time.Hour
	DefaultMailboxRetention = 24 * time.Hour
)

// Config holds sweep settings.
type Config struct {
	// RawLogDir is where the runner writes per-run stdout/stderr captures.
	RawLogDir string
	// Schedule is a cron expression for recurring sweeps.
	Schedule string
	// CompressAfter is the age past which raw logs are gzipped in place.
	CompressAfter time.Duration
	// DeleteAfter is the age past which raw logs (compressed or not) are
	// removed.
	DeleteAfter time.Duration
	// MailboxRetention is how long an ended session keeps its mailbox.
	MailboxRetention time.Duration
}

// Janitor owns the sweep schedule.
type Janitor struct {
	store *store.Store
	cfg   Config
	cron  *cron.Cron
	log   *logging.Logger
}

// New creates a Janitor. The store may be nil, which disables mailbox
// reaping.
func New(st *store.Store, cfg Config) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.CompressAfter <= 0 {
		cfg.CompressAfter = DefaultCompressAfter
	}
	if cfg.DeleteAfter <= 0 {
		cfg.DeleteAfter = DefaultDeleteAfter
	}
	if cfg.MailboxRetention <= 0 {
		cfg.MailboxRetention = DefaultMailboxRetention
	}
	return &Janitor{
		store: st,
		cfg:   cfg,
		cron:  cron.New(),
		log:   logging.Component("janitor"),
	}
}

// Start schedules recurring sweeps and runs one immediately.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.Schedule, j.Sweep); err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", j.cfg.Schedule, err)
	}
	j.cron.Start()
	go j.Sweep()
	return nil
}

// Stop halts the schedule. In-flight sweeps finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep runs every hygiene pass once.
func (j *Janitor) Sweep() {
	compressed, err := j.CompressOldLogs()
	if err != nil {
		j.log.WarnCtx("compressing logs", map[string]any{"error": err.Error()})
	}
	deleted, err := j.DeleteAgedLogs()
	if err != nil {
		j.log.WarnCtx("deleting logs", map[string]any{"error": err.Error()})
	}
	reaped, err := j.ReapMailboxes()
	if err != nil {
		j.log.WarnCtx("reaping mailboxes", map[string]any{"error": err.Error()})
	}
	if compressed+deleted+reaped > 0 {
		j.log.InfoCtx("sweep complete", map[string]any{
			"compressed": compressed,
			"deleted":    deleted,
			"reaped":     reaped,
		})
	}
}

// CompressOldLogs gzips raw logs older than the compression age, removing the
// originals. Returns how many files were compressed.
func (j *Janitor) CompressOldLogs() (int, error) {
	if j.cfg.RawLogDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(j.cfg.RawLogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-j.cfg.CompressAfter)
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.cfg.RawLogDir, entry.Name())
		if err := gzipFile(path); err != nil {
			j.log.WarnCtx("compressing log", map[string]any{"file": path, "error": err.Error()})
			continue
		}
		count++
	}
	return count, nil
}

// DeleteAgedLogs removes raw logs, compressed or not, past the deletion age.
func (j *Janitor) DeleteAgedLogs() (int, error) {
	if j.cfg.RawLogDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(j.cfg.RawLogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-j.cfg.DeleteAfter)
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".log.gz")) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.cfg.RawLogDir, name)); err == nil {
			count++
		}
	}
	return count, nil
}

// ReapMailboxes removes the mailbox directories of sessions that ended long
// enough ago. Session rows stay for history.
func (j *Janitor) ReapMailboxes() (int, error) {
	if j.store == nil {
		return 0, nil
	}
	sessions, err := j.store.EndedBefore(time.Now().Add(-j.cfg.MailboxRetention))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sess := range sessions {
		if sess.MailboxDir == "" {
			continue
		}
		if _, err := os.Stat(sess.MailboxDir); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(sess.MailboxDir); err != nil {
			j.log.WarnCtx("removing mailbox", map[string]any{
				"session": sess.ID,
				"error":   err.Error(),
			})
			continue
		}
		_ = os.Remove(sess.MailboxDir + ".lock")
		count++
	}
	return count, nil
}

// gzipFile compresses path to path.gz and removes the original. The mod time
// carries over so age-based deletion still sees the true age.
func gzipFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dstPath := path + ".gz"
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		_ = os.Remove(dstPath)
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(dstPath)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dstPath)
		return err
	}

	_ = os.Chtimes(dstPath, info.ModTime(), info.ModTime())
	return os.Remove(path)
}
