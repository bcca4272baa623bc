package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Config holds construction parameters for the S3 artifact backend.
// Endpoint and PathStyle support S3-compatible stores such as MinIO.
type S3Config struct {
	Region    string
	Bucket    string
	Endpoint  string
	PathStyle bool
	Prefix    string
}

// S3Store implements Store on an S3-compatible backend. Object keys are
// "<prefix>/<uuid>/<filename>" so the original file name survives in the
// key while the reference stays unguessable.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3 artifact store. Credentials come from the
// default AWS chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "lab-reports"
	}
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (s *S3Store) key(ref string) string {
	return path.Join(s.prefix, ref)
}

func (s *S3Store) Put(ctx context.Context, fileName, contentType string, content io.Reader) (*Artifact, error) {
	if fileName == "" {
		return nil, ErrMissingFileName
	}
	ref := path.Join(uuid.New().String(), fileName)
	key := s.key(ref)

	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   content,
	}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, &StorageError{Op: "put", Err: err}
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, &StorageError{Op: "head", Err: err}
	}

	meta := &Artifact{
		Ref:         ref,
		FileName:    fileName,
		ContentType: contentType,
		StoredAt:    time.Now().UTC(),
	}
	if head.ContentLength != nil {
		meta.Size = *head.ContentLength
	}
	if head.ETag != nil {
		meta.Hash = strings.Trim(*head.ETag, "\"")
	}
	return meta, nil
}

func (s *S3Store) Get(ctx context.Context, ref string) (io.ReadCloser, *Artifact, error) {
	key := s.key(ref)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, nil, &StorageError{Op: "get", Err: err}
	}
	meta := &Artifact{Ref: ref, FileName: path.Base(ref)}
	if out.ContentLength != nil {
		meta.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		meta.ContentType = *out.ContentType
	}
	if out.ETag != nil {
		meta.Hash = strings.Trim(*out.ETag, "\"")
	}
	if out.LastModified != nil {
		meta.StoredAt = *out.LastModified
	}
	return out.Body, meta, nil
}

func (s *S3Store) Delete(ctx context.Context, ref string) error {
	key := s.key(ref)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}
