// Package archive persists finalized job records and their stage
// certificates to S3 or S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/loomworks/shardloom/pkg/certify"
	"github.com/loomworks/shardloom/pkg/shard"
)

// Sentinel errors for archive operations.
var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// Error wraps storage errors with upload context.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("archive %s: %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("archive %s: %s: %v", e.Op, e.Bucket, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config configures the archive destination.
//
// Credentials follow the AWS SDK v2 default chain unless explicit keys are
// given. For S3-compatible stores (MinIO, Wasabi), set Endpoint and usually
// ForcePathStyle.
type Config struct {
	Bucket string `mapstructure:"bucket"`

	// Prefix is prepended to every archived key.
	Prefix string `mapstructure:"prefix"`

	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("archive: bucket name is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("archive: access key id and secret must be provided together")
	}
	return nil
}

// objectPutter is the slice of the S3 client the archiver uses.
type objectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads finalized job records.
type Archiver struct {
	client objectPutter
	bucket string
	prefix string
	log    *zap.Logger
}

// New builds an archiver against AWS S3 or a compatible endpoint.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &Error{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.ForcePathStyle
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log,
	}, nil
}

// record is the archived job document: the job, its stage certificates, and
// the archival timestamp.
type record struct {
	Job          *shard.Job                      `json:"job"`
	Certificates map[string]*certify.Certificate `json:"certificates"`
	ArchivedAt   time.Time                       `json:"archived_at"`
}

// ArchiveJob uploads the job record plus one object per stage certificate.
// Uploads are idempotent: re-archiving overwrites the same keys.
func (a *Archiver) ArchiveJob(ctx context.Context, job *shard.Job, certs map[string]*certify.Certificate) error {
	doc := record{Job: job, Certificates: certs, ArchivedAt: time.Now().UTC()}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal job %s: %w", job.ID, err)
	}
	if err := a.put(ctx, a.key(job.ID, "job.json"), body); err != nil {
		return err
	}

	for stageID, cert := range certs {
		certBody, err := json.MarshalIndent(cert, "", "  ")
		if err != nil {
			return fmt.Errorf("archive: marshal certificate %s/%s: %w", job.ID, stageID, err)
		}
		if err := a.put(ctx, a.key(job.ID, "certificates", stageID+".json"), certBody); err != nil {
			return err
		}
	}

	a.log.Info("job archived",
		zap.String("job_id", job.ID),
		zap.String("bucket", a.bucket),
		zap.Int("certificates", len(certs)))
	return nil
}

func (a *Archiver) key(parts ...string) string {
	all := append([]string{a.prefix, "jobs"}, parts...)
	return path.Join(all...)
}

func (a *Archiver) put(ctx context.Context, key string, body []byte) error {
	length := int64(len(body))
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: &length,
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return a.wrapError("PutObject", key, err)
	}
	return nil
}

// wrapError maps storage errors onto the archive sentinels.
func (a *Archiver) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Bucket: a.bucket, Key: key, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
		return wrapped
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchBucket"):
		wrapped.Err = ErrBucketNotFound
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "403"):
		wrapped.Err = ErrAccessDenied
	case strings.Contains(msg, "SlowDown"), strings.Contains(msg, "429"):
		wrapped.Err = ErrThrottled
	case strings.Contains(msg, "ServiceUnavailable"), strings.Contains(msg, "503"):
		wrapped.Err = ErrUnavailable
	}
	return wrapped
}
