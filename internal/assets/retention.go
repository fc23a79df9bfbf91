package assets

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/praveen-singh01/whatsapp-automation/pkg/logx"
)

const (
	defaultMaxAge   = 7 * 24 * time.Hour
	defaultMaxFiles = 5000
	defaultSweep    = "@every 15m"
)

type RetentionConfig struct {
	MaxAge   time.Duration
	MaxFiles int
	// Sweep is a cron spec (robfig/cron v3, @every supported).
	Sweep string
}

// Retention evicts generated assets on a schedule: first files older than
// MaxAge, then the oldest files beyond MaxFiles.
type Retention struct {
	dir string
	cfg RetentionConfig
	log logx.Logger

	cron *cron.Cron
}

func NewRetention(dir string, cfg RetentionConfig, log logx.Logger) *Retention {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultMaxFiles
	}
	if cfg.Sweep == "" {
		cfg.Sweep = defaultSweep
	}
	return &Retention{dir: dir, cfg: cfg, log: log}
}

func (r *Retention) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Sweep, func() { r.Sweep(time.Now()) }); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	r.log.Debug("asset retention started",
		logx.String("sweep", r.cfg.Sweep),
		logx.Duration("max_age", r.cfg.MaxAge),
		logx.Int("max_files", r.cfg.MaxFiles))
	return nil
}

func (r *Retention) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

type assetFile struct {
	path string
	mod  time.Time
}

// Sweep applies the retention policy once. Exposed for tests and for a
// startup sweep.
func (r *Retention) Sweep(now time.Time) {
	var files []assetFile
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, assetFile{path: path, mod: info.ModTime()})
		return nil
	})
	if err != nil {
		r.log.Warn("asset sweep walk failed", logx.Err(err))
		return
	}

	removed := 0
	kept := files[:0]
	for _, f := range files {
		if now.Sub(f.mod) > r.cfg.MaxAge {
			if os.Remove(f.path) == nil {
				removed++
				continue
			}
		}
		kept = append(kept, f)
	}

	// Enforce max count: oldest first.
	if len(kept) > r.cfg.MaxFiles {
		sort.Slice(kept, func(i, j int) bool { return kept[i].mod.Before(kept[j].mod) })
		for _, f := range kept[:len(kept)-r.cfg.MaxFiles] {
			if os.Remove(f.path) == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		r.log.Info("asset sweep evicted files", logx.Int("removed", removed))
	}
}
