// Package housekeeping removes expired uploads on a cron schedule
package housekeeping

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/syncs"
	"github.com/robfig/cron/v3"

	log "github.com/go-pkgz/lgr"
)

// Cleaner deletes files older than Retention from Dir
type Cleaner struct {
	Dir         string
	Retention   time.Duration // zero disables cleanup
	Schedule    string        // standard cron spec or descriptor like @hourly
	Concurrency int           // parallel removals, 4 if not set

	now func() time.Time
}

// Run makes the first cleanup immediately, then repeats it on schedule until ctx is done
func (c *Cleaner) Run(ctx context.Context) error {
	if c.Retention <= 0 || c.Schedule == "" {
		log.Printf("[INFO] housekeeping disabled")
		return nil
	}

	cr := cron.New()
	if _, err := cr.AddFunc(c.Schedule, func() { c.cleanupAndLog(ctx) }); err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", c.Schedule, err)
	}

	log.Printf("[INFO] housekeeping for %s every %q, retention %v", c.Dir, c.Schedule, c.Retention)
	c.cleanupAndLog(ctx)
	cr.Start()
	<-ctx.Done()
	<-cr.Stop().Done()
	log.Printf("[DEBUG] housekeeping stopped")
	return nil
}

func (c *Cleaner) cleanupAndLog(ctx context.Context) {
	removed, err := c.Cleanup(ctx)
	if err != nil {
		log.Printf("[WARN] housekeeping failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("[INFO] housekeeping removed %d expired uploads", removed)
	}
}

// Cleanup removes expired regular files and returns how many were removed.
// Missing directory is not an error, nothing to clean.
func (c *Cleaner) Cleanup(ctx context.Context) (int, error) {
	if c.Retention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("can't read %s: %w", c.Dir, err)
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	threshold := now().Add(-c.Retention)

	concur := c.Concurrency
	if concur <= 0 {
		concur = 4
	}

	var removed int32
	gr := syncs.NewSizedGroup(concur)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		finfo, err := entry.Info()
		if err != nil {
			log.Printf("[WARN] can't get info for %s, %s", entry.Name(), err)
			continue
		}
		if !finfo.ModTime().Before(threshold) {
			continue
		}
		fileName := filepath.Join(c.Dir, entry.Name())
		gr.Go(func(context.Context) {
			if ctx.Err() != nil {
				return
			}
			if err := os.Remove(fileName); err != nil {
				log.Printf("[WARN] can't delete %s, %s", fileName, err)
				return
			}
			log.Printf("[DEBUG] expired upload %s removed", fileName)
			atomic.AddInt32(&removed, 1)
		})
	}
	gr.Wait()
	return int(atomic.LoadInt32(&removed)), ctx.Err()
}
