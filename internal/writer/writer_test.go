package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redismock/v8"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	appconfig "optionlevels/config"
	"optionlevels/internal/channel"
	"optionlevels/internal/models"
)

func row(ts time.Time, r, s, bg, sg float64) models.LevelRow {
	return models.LevelRow{Provider: "thales", Currency: "BTC", Timestamp: ts, R: r, S: s, BG: bg, SG: sg}
}

var t0 = time.Date(2024, 12, 20, 14, 23, 0, 0, time.UTC)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestRoundLevelHalfEven(t *testing.T) {
	cases := map[float64]string{84.75: "85", 106.5: "106", 107.5: "108", 91.5: "92", 100: "100", -0.4: "0"}
	for in, want := range cases {
		if got := RoundLevel(in); got != want {
			t.Errorf("RoundLevel(%v) = %s, want %s", in, got, want)
		}
	}
}

func TestCSVSinkAppends(t *testing.T) {
	dir := t.TempDir()
	sink := NewCSVSink(filepath.Join(dir, "{provider}_{currency}.csv"))

	if err := sink.Write(context.Background(), []models.LevelRow{row(t0, 106.5, 84.75, 100, 95)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Write(context.Background(), []models.LevelRow{row(t0.Add(time.Minute), 107, 85, 101, 96)}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "thales_btc.csv"))
	want := []string{
		"datetime,R,S,BG,SG",
		"2024-12-20T14:23,106,85,100,95",
		"2024-12-20T14:24,107,85,101,96",
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected file:\n%s", strings.Join(lines, "\n"))
	}
}

func TestDailyCSVSinkUpsertsAndRetains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daily.csv")
	sink := NewDailyCSVSink(path, 2)
	ctx := context.Background()

	day := func(d int) time.Time { return t0.AddDate(0, 0, d) }
	if err := sink.Write(ctx, []models.LevelRow{row(day(-2), 100, 90, 96, 94)}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Write(ctx, []models.LevelRow{row(day(-1), 101, 91, 97, 95)}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Write(ctx, []models.LevelRow{row(day(0), 102, 92, 98, 96)}); err != nil {
		t.Fatal(err)
	}
	// same day again replaces the line
	if err := sink.Write(ctx, []models.LevelRow{row(day(0).Add(time.Hour), 110, 93, 99, 97)}); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, path)
	want := []string{
		"date,high,low,buyerGamma,sellerGamma",
		"19/12/2024,101,91,97,95",
		"20/12/2024,110,93,99,97",
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected file:\n%s", strings.Join(lines, "\n"))
	}
}

func TestReadDailyLegacyColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daily.csv")
	content := "date,high,low\n01/12/2024,100,90\nnot-a-date,1,2\n02/12/2024,101,91,99,92\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	rows, err := ReadDaily(path)
	if err != nil {
		t.Fatalf("ReadDaily: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].BuyerGamma != 100 || rows[0].SellerGamma != 90 {
		t.Errorf("legacy rows should mirror high/low: %+v", rows[0])
	}
	if rows[1].BuyerGamma != 99 {
		t.Errorf("unexpected row %+v", rows[1])
	}
}

func TestReadDailyBuyerGammaOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daily.csv")
	if err := os.WriteFile(path, []byte("01/12/2024,100,90,97\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rows, err := ReadDaily(path)
	if err != nil {
		t.Fatalf("ReadDaily: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].BuyerGamma != 97 || rows[0].SellerGamma != 90 {
		t.Errorf("buyer gamma column should be kept: %+v", rows[0])
	}
}

func TestParquetSinkLocal(t *testing.T) {
	dir := t.TempDir()
	cfg := appconfig.Default()
	cfg.Writer.Parquet.Dir = dir

	sink, err := NewParquetSink(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("NewParquetSink: %v", err)
	}
	rows := []models.LevelRow{row(t0, 106, 85, 100, 95), row(t0.Add(time.Minute), 107, 86, 101, 96)}
	if err := sink.Write(context.Background(), rows); err != nil {
		t.Fatalf("Write: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "provider=thales", "currency=BTC", "date=2024-12-20", "*.parquet"))
	if len(files) != 1 {
		t.Fatalf("expected one parquet file, got %v", files)
	}

	fr, err := local.NewLocalFileReader(files[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(levelParquetRecord), 1)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer pr.ReadStop()

	got := make([]levelParquetRecord, pr.GetNumRows())
	if err := pr.Read(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[1].R != 107 || got[0].Timestamp != t0.UnixMilli() {
		t.Fatalf("unexpected records %+v", got)
	}
}

type fakePutter struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var buf bytes.Buffer
	buf.ReadFrom(in.Body)
	f.mu.Lock()
	f.keys = append(f.keys, *in.Key)
	f.body = append(f.body, buf.Bytes())
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func TestParquetSinkS3Partitions(t *testing.T) {
	put := &fakePutter{}
	sink := NewParquetSinkWithClient(put, "bucket", "levels", "snappy")

	other := row(t0, 1, 1, 1, 1)
	other.Provider = "deribit"
	if err := sink.Write(context.Background(), []models.LevelRow{row(t0, 106, 85, 100, 95), other}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(put.keys) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(put.keys))
	}
	if !strings.HasPrefix(put.keys[0], "provider=thales/currency=BTC/date=2024-12-20/levels_") {
		t.Errorf("unexpected key %s", put.keys[0])
	}
	if !strings.HasPrefix(put.keys[1], "provider=deribit/") {
		t.Errorf("unexpected key %s", put.keys[1])
	}
	if !bytes.HasPrefix(put.body[0], []byte("PAR1")) {
		t.Errorf("body is not parquet")
	}
}

func TestRedisSink(t *testing.T) {
	db, mock := redismock.NewClientMock()
	sink := NewRedisSink(db, "lv", 10)
	ctx := context.Background()

	r := row(t0, 106, 85, 100, 95)
	payload, _ := json.Marshal(r)

	mock.ExpectSet("lv:thales:BTC:latest", string(payload), 0).SetVal("OK")
	mock.ExpectLPush("lv:thales:BTC:history", string(payload)).SetVal(1)
	mock.ExpectLTrim("lv:thales:BTC:history", 0, 9).SetVal("OK")
	if err := sink.Write(ctx, []models.LevelRow{r}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	mock.ExpectGet("lv:thales:BTC:latest").SetVal(string(payload))
	got, err := sink.Latest(ctx, "thales", "btc")
	if err != nil || got.R != 106 || !got.Timestamp.Equal(t0) {
		t.Fatalf("Latest = %+v, %v", got, err)
	}

	mock.ExpectGet("lv:deribit:ETH:latest").RedisNil()
	if _, err := sink.Latest(ctx, "deribit", "ETH"); !errors.Is(err, ErrNoLevels) {
		t.Fatalf("expected ErrNoLevels, got %v", err)
	}

	mock.ExpectLRange("lv:thales:BTC:history", 0, 4).SetVal([]string{string(payload), "junk"})
	hist, err := sink.History(ctx, "thales", "BTC", 5)
	if err != nil || len(hist) != 1 {
		t.Fatalf("History = %v, %v", hist, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("redis expectations not met: %v", err)
	}
}

type memorySink struct {
	name string
	err  error
	mu   sync.Mutex
	rows []models.LevelRow
	done chan struct{}
}

func (m *memorySink) Name() string { return m.name }
func (m *memorySink) Write(_ context.Context, rows []models.LevelRow) error {
	m.mu.Lock()
	m.rows = append(m.rows, rows...)
	m.mu.Unlock()
	if m.done != nil {
		select {
		case m.done <- struct{}{}:
		default:
		}
	}
	return m.err
}
func (m *memorySink) Close() error { return nil }

func TestDispatcherFansOut(t *testing.T) {
	cfg := appconfig.Default()
	cfg.Writer.Batch.Size = 2
	cfg.Writer.Batch.Timeout = time.Hour

	ch := channel.NewChannels(4, 4)
	good := &memorySink{name: "good", done: make(chan struct{}, 1)}
	bad := &memorySink{name: "bad", err: errors.New("disk full")}
	d := NewDispatcher(&cfg, ch, bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ch.SendRow(ctx, row(t0, 1, 1, 1, 1))
	ch.SendRow(ctx, row(t0, 2, 2, 2, 2))
	select {
	case <-good.done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch not flushed")
	}

	ch.SendRow(ctx, row(t0, 3, 3, 3, 3))
	cancel()
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if len(good.rows) != 3 {
		t.Fatalf("good sink got %d rows, want 3", len(good.rows))
	}
	stats := d.Stats()
	if stats.ErrorsCount != 2 || stats.RowsWritten != 3 || stats.BatchesWritten != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDispatcherRequiresSinks(t *testing.T) {
	cfg := appconfig.Default()
	if err := NewDispatcher(&cfg, channel.NewChannels(1, 1)).Start(context.Background()); err == nil {
		t.Fatal("expected error without sinks")
	}
}

func TestWritePine(t *testing.T) {
	dir := t.TempDir()
	daily := filepath.Join(dir, "daily.csv")
	if err := os.WriteFile(daily, []byte("date,high,low,buyerGamma,sellerGamma\n20/12/2024,106,85,100,95\n19/12/2024,104,83,99,94\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out", "levels.pine")
	n, err := WritePine(daily, out, PineOptions{Title: "BTC Levels"}, t0)
	if err != nil || n != 2 {
		t.Fatalf("WritePine = %d, %v", n, err)
	}
	script, _ := os.ReadFile(out)
	s := string(script)
	for _, want := range []string{
		`indicator("BTC Levels"`,
		`array.from("19/12/2024", "20/12/2024")`,
		`DATA_HIGHS = array.from(104, 106)`,
		`input.float(106, "Resistance"`,
		`input.string("BTCUSDT"`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("script missing %q", want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := appconfig.Default()
	cfg.Writer.CSV = appconfig.CSVWriterConfig{Enabled: true, Path: filepath.Join(dir, "{provider}_{currency}.csv")}
	cfg.Writer.Daily.Enabled = true
	cfg.Writer.Daily.Path = filepath.Join(dir, "daily.csv")
	cfg.Writer.Parquet.Enabled = true
	cfg.Writer.Parquet.Dir = filepath.Join(dir, "parquet")

	sinks, err := FromConfig(context.Background(), &cfg, &memorySink{name: "memory"})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	var names []string
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	if got := strings.Join(names, ","); got != "csv,daily_csv,parquet,memory" {
		t.Fatalf("unexpected sinks %s", got)
	}

	if got := PathFor(cfg.Writer.CSV.Path, "Deribit", "ETH"); got != filepath.Join(dir, "deribit_eth.csv") {
		t.Fatalf("unexpected path %s", got)
	}
}
