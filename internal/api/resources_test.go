package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"optionlevels/logger"
)

func stubCollectors(t *testing.T) {
	t.Helper()
	originalCPU, originalMem, originalDisk := cpuPercentFn, memoryStatsFn, diskUsageFn
	t.Cleanup(func() {
		cpuPercentFn, memoryStatsFn, diskUsageFn = originalCPU, originalMem, originalDisk
	})

	cpuPercentFn = func(context.Context) ([]float64, error) { return []float64{12.5}, nil }
	memoryStatsFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1, Total: 4, UsedPercent: 25}, nil
	}
	diskUsageFn = func(context.Context, string) (*disk.UsageStat, error) {
		return nil, errors.New("no such volume")
	}
}

func TestResourceSamplerKeepsLimit(t *testing.T) {
	stubCollectors(t)
	sampler := newResourceSampler(2, time.Hour, "", logger.Logger())

	for i := 0; i < 3; i++ {
		sampler.sample(context.Background())
	}
	snaps := sampler.snapshot()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(snaps))
	}
	last := snaps[1]
	if last.CPUPercent != 12.5 || last.MemoryPct != 25 || last.DiskTotal != 0 {
		t.Fatalf("unexpected sample %#v", last)
	}
}

func TestResourceSamplerStopsWithContext(t *testing.T) {
	stubCollectors(t)
	sampler := newResourceSampler(10, 5*time.Millisecond, "/", logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	sampler.start(ctx)

	deadline := time.Now().Add(time.Second)
	for len(sampler.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("sampler did not tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	sampler.wait()
}
