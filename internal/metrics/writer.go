package metrics

import "optionlevels/logger"

// WriterStats are the cumulative counters of one sink.
type WriterStats struct {
	BatchesWritten int64
	RowsWritten    int64
	ErrorsCount    int64
	RowsChannelLen int
	RowsChannelCap int
}

// ReportWriter emits the writer counters and logs a summary line, at warn
// level when any write failed.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	if log == nil {
		log = logger.GetLogger()
	}

	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}

	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", nil)
	EmitMetric(log, component, "rows_written", stats.RowsWritten, "counter", nil)
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", nil)
	EmitMetric(log, component, "error_rate", errorRate, "gauge", nil)

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"batches_written":  stats.BatchesWritten,
		"rows_written":     stats.RowsWritten,
		"errors_count":     stats.ErrorsCount,
		"error_rate":       errorRate,
		"rows_channel_len": stats.RowsChannelLen,
		"rows_channel_cap": stats.RowsChannelCap,
	})
	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
