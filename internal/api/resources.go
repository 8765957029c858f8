package api

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"optionlevels/logger"
)

// resourceSnapshot is one host utilisation sample. Disk usage is for the
// volume holding the data directory.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
}

var (
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		return cpu.PercentWithContext(ctx, 0, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

type resourceSampler struct {
	mu       sync.RWMutex
	items    []resourceSnapshot
	limit    int
	interval time.Duration
	path     string
	wg       sync.WaitGroup
	log      *logger.Log
}

func newResourceSampler(limit int, interval time.Duration, path string, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 120
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if path == "" {
		path = "/"
	}
	return &resourceSampler{limit: limit, interval: interval, path: path, log: log}
}

func (s *resourceSampler) start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.sample(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *resourceSampler) wait() {
	s.wg.Wait()
}

func (s *resourceSampler) sample(ctx context.Context) {
	log := s.log.WithComponent("api")

	snap := resourceSnapshot{Timestamp: time.Now().UTC()}
	if pct, err := cpuPercentFn(ctx); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else if err != nil {
		log.WithError(err).Debug("failed to sample cpu usage")
	}
	if m, err := memoryStatsFn(ctx); err == nil {
		snap.MemoryUsed, snap.MemoryTotal, snap.MemoryPct = m.Used, m.Total, m.UsedPercent
	} else {
		log.WithError(err).Debug("failed to sample memory usage")
	}
	if d, err := diskUsageFn(ctx, s.path); err == nil {
		snap.DiskUsed, snap.DiskTotal, snap.DiskPct = d.Used, d.Total, d.UsedPercent
	} else {
		log.WithError(err).Debug("failed to sample disk usage")
	}

	s.mu.Lock()
	s.items = append(s.items, snap)
	if len(s.items) > s.limit {
		s.items = append([]resourceSnapshot(nil), s.items[len(s.items)-s.limit:]...)
	}
	s.mu.Unlock()
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSnapshot, len(s.items))
	copy(out, s.items)
	return out
}
