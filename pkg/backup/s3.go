package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/mediconnect/auditd/pkg/async"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("auditd/backup")

// ManifestFile is written synchronously when an export is accepted
const ManifestFile = "manifest.json"

// Snapshotter dumps collections of the document store
type Snapshotter interface {
	Collections(ctx context.Context) ([]string, error)
	// Dump writes every document of collection to w as NDJSON and returns the count
	Dump(ctx context.Context, collection string, w io.Writer) (int64, error)
}

// ObjectPutter is the part of the S3 API the exporter uses
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the cold-storage bucket
type S3Config struct {
	Bucket       string
	Prefix       string // key prefix, default "firestore"
	Region       string
	Endpoint     string // for MinIO or other S3-compatible stores
	AccessKey    string
	SecretKey    string
	UsePathStyle bool

	Workers     int           // collections copied in parallel, default 4
	CopyTimeout time.Duration // per collection, default 30m
}

// NewS3Client creates an S3 client from cfg. Static keys are used when both are
// set, otherwise the default credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// S3Exporter exports the document store to s3://<bucket>/<prefix>/<date>.
// RequestExport returns once the manifest is stored; collection copies continue
// in the background and their completion is only logged.
type S3Exporter struct {
	client   ObjectPutter
	snapshot Snapshotter
	bucket   string
	prefix   string
	workers  int
	timeout  time.Duration
	logger   logrus.FieldLogger

	copies sync.WaitGroup
}

// NewS3Exporter creates an exporter writing through client
func NewS3Exporter(client ObjectPutter, snapshot Snapshotter, cfg S3Config, logger logrus.FieldLogger) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("backup bucket is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "firestore"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CopyTimeout <= 0 {
		cfg.CopyTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &S3Exporter{
		client:   client,
		snapshot: snapshot,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		workers:  cfg.Workers,
		timeout:  cfg.CopyTimeout,
		logger:   logger,
	}, nil
}

type manifest struct {
	Operation   string    `json:"operation"`
	DateKey     string    `json:"dateKey"`
	Collections []string  `json:"collections"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Location returns the export location for dateKey
func (e *S3Exporter) Location(dateKey string) string {
	return fmt.Sprintf("s3://%s/%s", e.bucket, path.Join(e.prefix, dateKey))
}

// RequestExport stores the manifest for dateKey and starts the collection copies
func (e *S3Exporter) RequestExport(ctx context.Context, dateKey string) (Export, error) {
	ctx, span := tracer.Start(ctx, "backup.RequestExport",
		trace.WithAttributes(
			attribute.String("s3.bucket", e.bucket),
			attribute.String("backup.date", dateKey),
		),
	)
	defer span.End()

	collections, err := e.snapshot.Collections(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list collections failed")
		return Export{}, fmt.Errorf("failed to list collections: %w", err)
	}

	export := Export{
		Location:  e.Location(dateKey),
		Operation: "exports/" + uuid.NewString(),
	}
	base := path.Join(e.prefix, dateKey)

	data, err := json.Marshal(manifest{
		Operation:   export.Operation,
		DateKey:     dateKey,
		Collections: collections,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return Export{}, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := e.put(ctx, path.Join(base, ManifestFile), data, "application/json"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "manifest upload failed")
		return Export{}, err
	}

	logger := e.logger.WithFields(logrus.Fields{
		"date":      dateKey,
		"operation": export.Operation,
	})
	e.copies.Add(1)
	async.SafeGo(context.WithoutCancel(ctx), logger, e.timeout*time.Duration(len(collections)+1), "backup export", func(ctx context.Context) error {
		defer e.copies.Done()
		return e.copyAll(ctx, logger, base, collections)
	})

	return export, nil
}

// Wait blocks until every background copy started so far has finished or ctx is done
func (e *S3Exporter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.copies.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for backup copies: %w", ctx.Err())
	}
}

func (e *S3Exporter) copyAll(ctx context.Context, logger logrus.FieldLogger, base string, collections []string) error {
	start := time.Now()
	errs := async.Batch(ctx, logger, collections, e.workers, "collection export", e.timeout, func(ctx context.Context, name string) error {
		return e.copyCollection(ctx, logger, base, name)
	})
	if len(errs) > 0 {
		return fmt.Errorf("backup export incomplete: %w", errors.Join(errs...))
	}
	logger.WithFields(logrus.Fields{
		"collections": len(collections),
		"duration":    time.Since(start),
	}).Info("backup export finished")
	return nil
}

func (e *S3Exporter) copyCollection(ctx context.Context, logger logrus.FieldLogger, base, name string) error {
	var buf bytes.Buffer
	n, err := e.snapshot.Dump(ctx, name, &buf)
	if err != nil {
		return fmt.Errorf("dump %s: %w", name, err)
	}
	if err := e.put(ctx, path.Join(base, name+".ndjson"), buf.Bytes(), "application/x-ndjson"); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"collection": name,
		"documents":  n,
	}).Debug("collection exported")
	return nil
}

func (e *S3Exporter) put(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, span := tracer.Start(ctx, "S3.PutObject",
		trace.WithAttributes(
			attribute.String("s3.bucket", e.bucket),
			attribute.String("s3.key", key),
			attribute.Int("content.size", len(data)),
		),
	)
	defer span.End()

	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
