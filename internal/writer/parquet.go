package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "optionlevels/config"
	"optionlevels/internal/models"
	"optionlevels/logger"
)

type levelParquetRecord struct {
	Provider   string  `parquet:"name=provider, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency   string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ExpiryCode int32   `parquet:"name=expiry_code, type=INT32"`
	Spot       float64 `parquet:"name=spot, type=DOUBLE"`
	R          float64 `parquet:"name=r, type=DOUBLE"`
	S          float64 `parquet:"name=s, type=DOUBLE"`
	BG         float64 `parquet:"name=bg, type=DOUBLE"`
	SG         float64 `parquet:"name=sg, type=DOUBLE"`
	Crossings  int32   `parquet:"name=crossings, type=INT32"`
	Longs      int32   `parquet:"name=longs, type=INT32"`
	Shorts     int32   `parquet:"name=shorts, type=INT32"`
}

func toParquet(r models.LevelRow) levelParquetRecord {
	return levelParquetRecord{
		Provider:   r.Provider,
		Currency:   r.Currency,
		Timestamp:  r.Timestamp.UnixMilli(),
		ExpiryCode: int32(r.ExpiryCode),
		Spot:       r.Spot,
		R:          r.R,
		S:          r.S,
		BG:         r.BG,
		SG:         r.SG,
		Crossings:  int32(r.Crossings),
		Longs:      int32(r.Longs),
		Shorts:     int32(r.Shorts),
	}
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// ObjectPutter is the part of the S3 client the sink uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ParquetSink writes one Parquet file per provider, currency and day for
// every batch, under hive-style partitions. Files go to S3 when a client is
// configured and to the local directory otherwise.
type ParquetSink struct {
	dir         string
	prefix      string
	compression parquet.CompressionCodec
	bucket      string
	s3          ObjectPutter
	version     string
	log         *logger.Log
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// NewParquetSink builds a sink from configuration, creating an S3 client
// when S3 storage is enabled.
func NewParquetSink(ctx context.Context, cfg *appconfig.Config) (*ParquetSink, error) {
	pc := cfg.Writer.Parquet
	sink := &ParquetSink{
		dir:         pc.Dir,
		prefix:      pc.Prefix,
		compression: compressionCodec(pc.Compression),
		version:     cfg.App.Version,
		log:         logger.GetLogger(),
	}
	if sink.prefix == "" {
		sink.prefix = "levels"
	}
	if !cfg.Storage.S3.Enabled {
		return sink, nil
	}

	client, err := newS3Client(ctx, cfg.Storage.S3)
	if err != nil {
		return nil, err
	}
	sink.s3 = client
	sink.bucket = cfg.Storage.S3.Bucket
	return sink, nil
}

// NewParquetSinkWithClient builds an S3-backed sink around an existing
// client.
func NewParquetSinkWithClient(client ObjectPutter, bucket, prefix, compression string) *ParquetSink {
	return &ParquetSink{
		prefix:      prefix,
		compression: compressionCodec(compression),
		bucket:      bucket,
		s3:          client,
		log:         logger.GetLogger(),
	}
}

func newS3Client(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func (s *ParquetSink) Name() string {
	if s.s3 != nil {
		return "parquet_s3"
	}
	return "parquet"
}

// partitionKey returns the object key for a group of rows.
func (s *ParquetSink) partitionKey(row models.LevelRow, now time.Time) string {
	filename := fmt.Sprintf("%s_%s_%s.parquet",
		s.prefix,
		now.UTC().Format("20060102150405"),
		uuid.NewString(),
	)
	return path.Join(
		"provider="+strings.ToLower(row.Provider),
		"currency="+strings.ToUpper(row.Currency),
		"date="+row.Timestamp.UTC().Format("2006-01-02"),
		filename,
	)
}

func (s *ParquetSink) Write(ctx context.Context, rows []models.LevelRow) error {
	groups := make(map[string][]models.LevelRow)
	var order []string
	for _, r := range rows {
		k := strings.Join([]string{r.Provider, r.Currency, r.Timestamp.UTC().Format("2006-01-02")}, "|")
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	now := time.Now()
	for _, k := range order {
		group := groups[k]
		key := s.partitionKey(group[0], now)

		var err error
		if s.s3 != nil {
			err = s.upload(ctx, key, group)
		} else {
			err = s.writeLocal(filepath.Join(s.dir, filepath.FromSlash(key)), group)
		}
		if err != nil {
			return err
		}

		s.log.WithComponent("parquet_writer").WithFields(logger.Fields{
			"key":          key,
			"record_count": len(group),
		}).Debug("parquet file written")
	}
	return nil
}

func (s *ParquetSink) encode(fw source.ParquetFile, rows []models.LevelRow) error {
	pw, err := writer.NewParquetWriter(fw, new(levelParquetRecord), 1)
	if err != nil {
		return fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = s.compression

	for _, r := range rows {
		if err := pw.Write(toParquet(r)); err != nil {
			pw.WriteStop()
			return fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalize parquet: %w", err)
	}
	return nil
}

func (s *ParquetSink) writeLocal(file string, rows []models.LevelRow) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("create parquet dir: %w", err)
	}
	fw, err := local.NewLocalFileWriter(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	if err := s.encode(fw, rows); err != nil {
		fw.Close()
		return err
	}
	return fw.Close()
}

func (s *ParquetSink) upload(ctx context.Context, key string, rows []models.LevelRow) error {
	mem := newMemFile()
	if err := s.encode(mem, rows); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(mem.Bytes()),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":         "parquet",
			"optionlevels-version": s.version,
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (s *ParquetSink) Close() error { return nil }
