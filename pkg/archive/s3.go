package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/qadash/qadash/pkg/config"
	"github.com/qadash/qadash/pkg/registry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Archiver copies finalized runs to object storage.
type Archiver interface {
	// Preflight verifies that the bucket is reachable and writable.
	Preflight(ctx context.Context) error

	// Name identifies the archiver in finalization logs.
	Name() string

	// Finalize uploads the run record and its log.
	Finalize(ctx context.Context, run *registry.Run, logPath string) error
}

// objectPutter is the subset of the S3 client used for uploads.
type objectPutter interface {
	PutObject(
		ctx context.Context,
		params *s3.PutObjectInput,
		optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
}

type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client objectPutter
}

// Ensure interface compliance.
var _ Archiver = (*s3Archiver)(nil)

// NewS3Archiver creates an archiver for S3-compatible storage.
func NewS3Archiver(
	log logrus.FieldLogger,
	cfg *config.S3Config,
) Archiver {
	return &s3Archiver{
		log:    log.WithField("component", "s3-archiver"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

func (a *s3Archiver) Name() string {
	return "s3"
}

// Preflight writes a small test object.
func (a *s3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("qadash write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.resolveKey(".qadash-write-test")),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

// Finalize uploads run.json and output.log under <prefix>/<runID>/.
func (a *s3Archiver) Finalize(ctx context.Context, run *registry.Run, logPath string) error {
	record, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.put(gctx, a.resolveKey(run.ID, "run.json"), bytes.NewReader(record), "application/json")
	})

	if logPath != "" {
		g.Go(func() error {
			f, err := os.Open(logPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}

				return fmt.Errorf("opening log: %w", err)
			}
			defer func() { _ = f.Close() }()

			return a.put(gctx, a.resolveKey(run.ID, "output.log"), f, "text/plain; charset=utf-8")
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	a.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"bucket": a.cfg.Bucket,
	}).Info("Run archived")

	return nil
}

func (a *s3Archiver) put(ctx context.Context, key string, body io.Reader, contentType string) error {
	a.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": a.cfg.Bucket,
	}).Debug("Uploading object")

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}); err != nil {
		return fmt.Errorf("PutObject %s: %w", key, err)
	}

	return nil
}

// resolveKey joins parts under the configured prefix.
func (a *s3Archiver) resolveKey(parts ...string) string {
	prefix := a.cfg.Prefix
	if prefix == "" {
		prefix = config.DefaultArchivePrefix
	}

	return strings.TrimRight(prefix, "/") + "/" + strings.Join(parts, "/")
}
