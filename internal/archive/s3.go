// Package archive copies settings history to S3-compatible object storage
// before retention deletes it.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/transitops/opsadmin/internal/history"
)

// Uploader is an interface for S3 uploads (for testing)
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, data io.Reader, size int64, contentType string) error
}

// Config holds the archive target
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// S3Client uploads objects to an S3-compatible server
type S3Client struct {
	client   *s3.Client
	endpoint string
}

// NewS3Client creates a client. An empty endpoint targets AWS itself.
func NewS3Client(cfg Config) *S3Client {
	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Use path-style URLs for compatibility
		}
	})

	return &S3Client{client: client, endpoint: cfg.Endpoint}
}

// PutObject uploads one object
func (c *S3Client) PutObject(ctx context.Context, bucket, key string, data io.Reader, size int64, contentType string) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// Archiver writes each purge batch as one JSON Lines object
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	logger   *logrus.Logger
	now      func() time.Time
}

// NewArchiver creates an archiver over uploader
func NewArchiver(uploader Uploader, bucket, prefix string, logger *logrus.Logger) *Archiver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Archiver{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		logger:   logger,
		now:      time.Now,
	}
}

// Archive uploads records; an error means nothing may be purged
func (a *Archiver) Archive(ctx context.Context, records []*history.Record) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode history record %s: %w", r.ID, err)
		}
	}

	key := a.objectKey(records)
	if err := a.uploader.PutObject(ctx, a.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/x-ndjson"); err != nil {
		return err
	}

	a.logger.WithFields(logrus.Fields{
		"bucket":  a.bucket,
		"key":     key,
		"records": len(records),
	}).Info("Archived settings history")
	return nil
}

// objectKey is <prefix>/YYYY/MM/DD/<unix-nanos>-<oldest>-<newest>.jsonl
func (a *Archiver) objectKey(records []*history.Record) string {
	now := a.now().UTC()
	name := fmt.Sprintf("%d-%s-%s.jsonl",
		now.UnixNano(),
		records[0].ChangedAt.UTC().Format("20060102"),
		records[len(records)-1].ChangedAt.UTC().Format("20060102"),
	)
	return path.Join(a.prefix, now.Format("2006/01/02"), name)
}
