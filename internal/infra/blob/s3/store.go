// Package s3 implements a blob Store on AWS S3 or an S3-compatible endpoint.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"donationcore/internal/blob/core"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var _ core.Store = (*Store)(nil)

// Store maps blob keys onto objects in a single bucket, optionally beneath a
// key prefix shared with other tenants of the bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config holds construction parameters. Credentials fall back to the default
// AWS chain when AccessKeyID is empty.
type Config struct {
	Region          string
	Bucket          string
	Prefix          string
	Endpoint        string // optional custom endpoint (MinIO, localstack)
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
	HTTPClient      *http.Client
}

// New creates an S3 blob store from Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})
	return &Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Driver returns the blob driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverS3 }

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) blobKey(objectKey string) string {
	if s.prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, s.prefix+"/")
}

// Put writes a new object. Existence is checked with HEAD and enforced with a
// conditional write so concurrent writers cannot clobber each other.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	objKey := s.objectKey(key)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &objKey}); err == nil {
		return core.Info{}, fmt.Errorf("put %s: %w", key, core.ErrExists)
	} else if !isNotFound(err) {
		return core.Info{}, fmt.Errorf("head %s: %w", key, err)
	}
	input := &s3.PutObjectInput{Bucket: &s.bucket, Key: &objKey, Body: r, IfNoneMatch: aws.String("*")}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = core.CloneMetadata(opts.Metadata)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if statusCode(err) == http.StatusPreconditionFailed {
			return core.Info{}, fmt.Errorf("put %s: %w", key, core.ErrExists)
		}
		return core.Info{}, fmt.Errorf("put %s: %w", key, err)
	}
	return s.Head(ctx, key)
}

// Get streams the object body. The caller closes the reader.
func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		if isNotFound(err) {
			return core.Info{}, nil, fmt.Errorf("get %s: %w", key, core.ErrNotFound)
		}
		return core.Info{}, nil, fmt.Errorf("get %s: %w", key, err)
	}
	return objectInfo(key, out.ContentLength, out.ContentType, out.ETag, out.Metadata, out.LastModified), out.Body, nil
}

// Head returns object metadata.
func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	objKey := s.objectKey(key)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		if isNotFound(err) {
			return core.Info{}, fmt.Errorf("head %s: %w", key, core.ErrNotFound)
		}
		return core.Info{}, fmt.Errorf("head %s: %w", key, err)
	}
	return objectInfo(key, out.ContentLength, out.ContentType, out.ETag, out.Metadata, out.LastModified), nil
}

// List pages through ListObjectsV2 for the prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	objPrefix := s.objectKey(prefix)
	var out []core.Info
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &objPrefix})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, core.Info{
				Key:          s.blobKey(aws.ToString(obj.Key)),
				Size:         aws.ToInt64(obj.Size),
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func objectInfo(key string, size *int64, contentType, etag *string, md map[string]string, lastModified *time.Time) core.Info {
	info := core.Info{
		Key:          key,
		Size:         aws.ToInt64(size),
		ContentType:  aws.ToString(contentType),
		ETag:         strings.Trim(aws.ToString(etag), `"`),
		Metadata:     core.CloneMetadata(md),
		LastModified: aws.ToTime(lastModified),
	}
	if info.LastModified.IsZero() {
		info.LastModified = time.Now().UTC()
	}
	return info
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	return statusCode(err) == http.StatusNotFound
}

func statusCode(err error) int {
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
