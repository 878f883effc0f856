// Package s3util wraps the AWS S3 client with the small surface the engine
// needs: paginated listing, prefix discovery, downloads, and batched deletes.
package s3util

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MaxDeleteBatch is the DeleteObjects per-call key ceiling.
const MaxDeleteBatch = 1000

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// DeleteError describes a single failed key inside an otherwise successful
// DeleteObjects call.
type DeleteError struct {
	Key     string
	Code    string
	Message string
}

// API is the object-store surface consumed by the engine. The concrete
// implementation talks to S3; tests substitute fakes.
type API interface {
	// ListKeys returns every object under the prefix.
	ListKeys(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// ListCommonPrefixes returns the immediate "directories" under the prefix.
	ListCommonPrefixes(ctx context.Context, bucket, prefix string) ([]string, error)

	// GetObject reads an entire object into memory.
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	// Download streams an object to a local file.
	Download(ctx context.Context, bucket, key, dest string) error

	// DeleteBatch issues one DeleteObjects call for up to MaxDeleteBatch keys
	// and returns the per-key failures reported by the store.
	DeleteBatch(ctx context.Context, bucket string, batch []string) ([]DeleteError, error)
}

// Client implements API against AWS S3 or an S3-compatible endpoint.
type Client struct {
	s3 *s3.Client
}

// Config configures the S3 client.
type Config struct {
	Region   string
	Endpoint string // empty for AWS S3
}

// New creates an S3 client from the default credential chain.
func New(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{s3: client}, nil
}

// NewFromClient wraps an existing SDK client.
func NewFromClient(client *s3.Client) *Client {
	return &Client{s3: client}
}

// ListKeys returns every object under the prefix, following pagination.
func (c *Client) ListKeys(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
	}

	return out, nil
}

// ListCommonPrefixes returns the delimiter-grouped prefixes one level below
// the given prefix.
func (c *Client) ListCommonPrefixes(ctx context.Context, bucket, prefix string) ([]string, error) {
	var out []string

	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list prefixes %s/%s: %w", bucket, prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			out = append(out, aws.ToString(cp.Prefix))
		}
	}

	return out, nil
}

// GetObject reads an entire object into memory.
func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	resp, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Download streams an object to a local file, writing through a temp file so
// partially downloaded objects are never left at the destination.
func (c *Client) Download(ctx context.Context, bucket, key, dest string) error {
	resp, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dest, err)
	}

	tempPath := dest + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tempPath, err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write %s: %w", tempPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s: %w", tempPath, err)
	}
	return nil
}

// DeleteBatch issues a single DeleteObjects call. Per-key errors come back in
// the response body rather than as a call failure; the caller decides how to
// react.
func (c *Client) DeleteBatch(ctx context.Context, bucket string, batch []string) ([]DeleteError, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if len(batch) > MaxDeleteBatch {
		return nil, fmt.Errorf("batch of %d exceeds DeleteObjects ceiling of %d", len(batch), MaxDeleteBatch)
	}

	objects := make([]types.ObjectIdentifier, len(batch))
	for i, key := range batch {
		objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
	}

	resp, err := c.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("delete batch of %d: %w", len(batch), err)
	}

	var failures []DeleteError
	for _, e := range resp.Errors {
		failures = append(failures, DeleteError{
			Key:     aws.ToString(e.Key),
			Code:    aws.ToString(e.Code),
			Message: aws.ToString(e.Message),
		})
	}
	return failures, nil
}
