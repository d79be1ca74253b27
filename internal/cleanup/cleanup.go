// Package cleanup prunes daily log files that outlived their retention.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/gatekeeper/internal/logger"
)

// Daily log files are named gatekeeper-<date>.log.
const (
	logPrefix  = "gatekeeper-"
	logSuffix  = ".log"
	dateLayout = "2006-01-02"
)

// Cleaner removes old log files, once or periodically.
type Cleaner struct {
	logDir    string
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config holds cleanup configuration.
type Config struct {
	LogDir    string
	Interval  time.Duration // How often the periodic loop runs
	Retention time.Duration // How long a day's log file is kept
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(logDir string) Config {
	return Config{
		LogDir:    logDir,
		Interval:  1 * time.Hour,
		Retention: 14 * 24 * time.Hour,
	}
}

// New creates a new Cleaner with the given configuration.
func New(cfg Config) *Cleaner {
	return &Cleaner{
		logDir:    cfg.LogDir,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

// Start runs the cleanup every interval until Stop. The first pass happens
// one interval after Start; call RunOnce for an immediate pass.
func (c *Cleaner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunOnce(ctx)
			}
		}
	}()

	logger.Slog().Debug("log cleanup started", "interval", c.interval, "retention", c.retention)
}

// Stop halts the cleanup loop.
func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		c.cancel = nil
	}
}

// RunOnce removes every daily log file whose day ended more than retention
// ago, and returns how many were removed. Today's file is never removed.
func (c *Cleaner) RunOnce(ctx context.Context) int {
	entries, err := os.ReadDir(c.logDir)
	if err != nil {
		return 0
	}

	now := c.now()
	today := now.Format(dateLayout)
	cutoff := now.Add(-c.retention)
	var removed int

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, logPrefix), logSuffix)
		if date == today {
			continue
		}
		day, err := time.ParseInLocation(dateLayout, date, now.Location())
		if err != nil {
			continue // Not one of ours
		}
		if day.AddDate(0, 0, 1).After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.logDir, name)); err != nil {
			logger.WarnContext(ctx, "failed to remove old log file", "file", name, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.InfoContext(ctx, "removed old log files", "count", removed, "dir", c.logDir)
	}
	return removed
}
