package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

// stage counters keyed by the prefix of the component name
var stages = []string{"reader", "processor", "writer"}

var (
	polls       int64
	pollErrors  int64
	computed    int64
	skipped     int64
	rowsWritten int64
	warns       sync.Map // stage -> *int64
	errs        sync.Map // stage -> *int64
	channels    sync.Map // name -> *channelStat
)

func stageOf(component string) string {
	for _, s := range stages {
		if strings.Contains(component, s) {
			return s
		}
	}
	return "other"
}

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string)  { bump(&warns, stageOf(component)) }
func recordError(component string) { bump(&errs, stageOf(component)) }

// IncrementPoll counts one provider poll and the bytes it returned.
func IncrementPoll(provider string, size int) {
	atomic.AddInt64(&polls, 1)
	recordChannel("poll_"+provider, size)
}

func IncrementPollError() { atomic.AddInt64(&pollErrors, 1) }

func IncrementComputed() { atomic.AddInt64(&computed, 1) }

func IncrementSkipped() { atomic.AddInt64(&skipped, 1) }

// IncrementRowsWritten counts rows persisted by one sink.
func IncrementRowsWritten(sink string, n int) {
	atomic.AddInt64(&rowsWritten, int64(n))
	recordChannel("sink_"+sink, n)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats != nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	counters := map[string]int64{
		"polls":        atomic.LoadInt64(&polls),
		"poll_errors":  atomic.LoadInt64(&pollErrors),
		"computed":     atomic.LoadInt64(&computed),
		"skipped":      atomic.LoadInt64(&skipped),
		"rows_written": atomic.LoadInt64(&rowsWritten),
	}

	log.WithComponent("report").WithFields(Fields{
		"counters":       counters,
		"warns":          snapshotCounters(&warns),
		"errors":         snapshotCounters(&errs),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memMB),
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}).Info("runtime report")

	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))}
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Levels-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("Levels-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		count("Levels-Polls", counters["polls"]),
		count("Levels-PollErrors", counters["poll_errors"]),
		count("Levels-Computed", counters["computed"]),
		count("Levels-Skipped", counters["skipped"]),
		count("Levels-RowsWritten", counters["rows_written"]),
	}
	for stage, n := range snapshotCounters(&errs) {
		d := count("Levels-Errors", n)
		d.Dimensions = []cwtypes.Dimension{{Name: aws.String("Stage"), Value: aws.String(stage)}}
		data = append(data, d)
	}

	publishMetrics(ctx, data)
}
