package writer

import (
	"context"
	"fmt"

	appconfig "optionlevels/config"
	"optionlevels/logger"
)

// FromConfig builds every sink enabled in the writer section. extra sinks are
// appended as given.
func FromConfig(ctx context.Context, cfg *appconfig.Config, extra ...Sink) ([]Sink, error) {
	log := logger.GetLogger().WithComponent("writer")
	wc := cfg.Writer

	var sinks []Sink
	if wc.CSV.Enabled {
		sinks = append(sinks, NewCSVSink(wc.CSV.Path))
	}
	if wc.Daily.Enabled {
		sinks = append(sinks, NewDailyCSVSink(wc.Daily.Path, wc.Daily.RetentionDays))
	}
	if wc.Parquet.Enabled {
		ps, err := NewParquetSink(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("parquet sink: %w", err)
		}
		sinks = append(sinks, ps)
	}
	if wc.Redis.Enabled {
		client := NewRedisClient(cfg.Storage.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		sinks = append(sinks, NewRedisSink(client, wc.Redis.Prefix, wc.Redis.HistorySize))
	}
	sinks = append(sinks, extra...)

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	log.WithFields(logger.Fields{"sinks": names}).Info("configured sinks")
	return sinks, nil
}
