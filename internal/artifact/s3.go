package artifact

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pkt.systems/pslog"
)

// PutObjectAPI is the slice of the S3 client the store needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the remote store.
type S3Config struct {
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string
}

// S3 uploads artifacts under bucket/prefix/<parent>/<file>.
type S3 struct {
	client PutObjectAPI
	bucket string
	prefix string
	parent string
}

// NewS3 builds a store from the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config, parent string) (*S3, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("artifact: s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg.Bucket, cfg.Prefix, parent), nil
}

// NewS3WithClient builds a store around an existing client.
func NewS3WithClient(client PutObjectAPI, bucket, prefix, parent string) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		parent: strings.Trim(parent, "/"),
	}
}

// Name returns "s3".
func (s *S3) Name() string { return "s3" }

// Key returns the object key for a local file.
func (s *S3) Key(file string) string {
	return path.Join(s.prefix, s.parent, filepath.Base(file))
}

// Put uploads the file.
func (s *S3) Put(ctx context.Context, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	key := s.Key(file)
	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	pslog.Ctx(ctx).Debug("artifact s3 put start", "bucket", s.bucket, "key", key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("artifact: put s3://%s/%s: %w", s.bucket, key, err)
	}
	pslog.Ctx(ctx).Debug("artifact s3 put ok", "bucket", s.bucket, "key", key)
	return nil
}
