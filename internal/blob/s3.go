package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Narrow interfaces over the S3 SDK so tests can stub each path.

type Uploader interface {
	Upload(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type Downloader interface {
	Download(ctx context.Context, w io.WriterAt, params *s3.GetObjectInput, optFns ...func(*manager.Downloader)) (int64, error)
}

type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Transport keeps blobs in one bucket. Each call is bounded by its own
// request timeout on top of the caller context.
type S3Transport struct {
	client     S3API
	uploader   Uploader
	downloader Downloader
	bucket     string
	timeout    time.Duration
}

// NewS3Transport builds the transport from a configured S3 client.
func NewS3Transport(client *s3.Client, bucket string, timeout time.Duration) *S3Transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &S3Transport{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		timeout:    timeout,
	}
}

func (t *S3Transport) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	_, err := t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (t *S3Transport) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	buf := manager.NewWriteAtBuffer([]byte{})
	_, err := t.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil, ErrKeyNotFound
		}
		return nil, nil, fmt.Errorf("s3 get %s: %w", key, err)
	}

	head, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil, ErrKeyNotFound
		}
		return nil, nil, fmt.Errorf("s3 head %s: %w", key, err)
	}
	return buf.Bytes(), head.Metadata, nil
}

func (t *S3Transport) Head(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("s3 head %s: %w", key, err)
	}
	return out.Metadata, nil
}

func (t *S3Transport) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

func (t *S3Transport) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(prefix),
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(int32(limit))
	}
	// Cursors are last-seen keys, not continuation tokens, so every
	// Transport paginates the same way.
	if cursor != "" {
		input.StartAfter = aws.String(cursor)
	}

	out, err := t.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("s3 list %s: %w", prefix, err)
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	next := ""
	if aws.ToBool(out.IsTruncated) && len(keys) > 0 {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
