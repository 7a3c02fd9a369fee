// Package objectstore implements the repository protocol and the event-bus
// store on top of a conditional-write object store: an authoritative head
// object advanced by compare-and-swap, a manifest chain as the audit trail,
// advisory per-type indices with gap repair, and columnar commit files.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/lexiupon/ontologia/core/repository"
)

// ErrPrecondition is returned when a conditional write loses its race: the
// object changed under an If-Match, or already exists under If-None-Match.
var ErrPrecondition = errors.New("objectstore: precondition failed")

// ErrNotFound is returned by conditional operations against missing keys.
var ErrNotFound = errors.New("objectstore: object not found")

// PutCondition expresses the conditional-write modes of the client.
type PutCondition struct {
	// IfNoneMatch makes the put fail with ErrPrecondition when the key
	// already exists (If-None-Match: *).
	IfNoneMatch bool
	// IfMatch makes the put fail with ErrPrecondition unless the stored
	// object's etag equals this value.
	IfMatch string
}

// ObjectClient is the minimal conditional object-store surface the backend
// needs. The production implementation wraps S3; tests use MemoryClient.
type ObjectClient interface {
	// Get fetches an object and its etag; found is false for missing keys.
	Get(ctx context.Context, key string) (data []byte, etag string, found bool, err error)
	// Put stores an object under the given condition and returns the new
	// etag.
	Put(ctx context.Context, key string, data []byte, cond PutCondition) (etag string, err error)
	// Delete removes an object; a non-empty ifMatch makes it conditional.
	Delete(ctx context.Context, key string, ifMatch string) error
	// List returns the keys under a prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// S3Client implements ObjectClient against an S3 bucket and key prefix
// using the SDK's conditional-write preconditions.
type S3Client struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Client builds an S3-backed object client. A non-empty endpoint
// targets S3-compatible stores.
func NewS3Client(ctx context.Context, bucket, prefix string, cfg repository.Config) (*S3Client, error) {
	loadOptions := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		loadOptions = append(loadOptions, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, repository.WrapError(repository.KindStorageIO, "failed to load object store credentials", err)
	}
	client := s3.NewFromConfig(awsCfg, func(options *s3.Options) {
		if cfg.S3EndpointURL != "" {
			options.BaseEndpoint = aws.String(cfg.S3EndpointURL)
			options.UsePathStyle = true
		}
	})
	return &S3Client{client: client, bucket: bucket, prefix: strings.TrimSuffix(prefix, "/")}, nil
}

func (c *S3Client) fullKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + "/" + key
}

// Get fetches an object and its etag.
func (c *S3Client) Get(ctx context.Context, key string) ([]byte, string, bool, error) {
	output, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.fullKey(key)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, "", false, nil
		}
		return nil, "", false, repository.WrapError(repository.KindStorageIO, "object get failed", err)
	}
	defer output.Body.Close()
	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, "", false, repository.WrapError(repository.KindStorageIO, "object read failed", err)
	}
	return data, aws.ToString(output.ETag), true, nil
}

// Put stores an object under the given condition.
func (c *S3Client) Put(ctx context.Context, key string, data []byte, cond PutCondition) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.fullKey(key)),
		Body:   bytes.NewReader(data),
	}
	if cond.IfNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}
	if cond.IfMatch != "" {
		input.IfMatch = aws.String(cond.IfMatch)
	}
	output, err := c.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailure(err) {
			return "", ErrPrecondition
		}
		return "", repository.WrapError(repository.KindStorageIO, "object put failed", err)
	}
	return aws.ToString(output.ETag), nil
}

// Delete removes an object, conditionally when ifMatch is set.
func (c *S3Client) Delete(ctx context.Context, key string, ifMatch string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.fullKey(key)),
	}
	if ifMatch != "" {
		input.IfMatch = aws.String(ifMatch)
	}
	if _, err := c.client.DeleteObject(ctx, input); err != nil {
		if isPreconditionFailure(err) {
			return ErrPrecondition
		}
		return repository.WrapError(repository.KindStorageIO, "object delete failed", err)
	}
	return nil
}

// List returns the keys under a prefix in lexicographic order.
func (c *S3Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.fullKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, repository.WrapError(repository.KindStorageIO, "object list failed", err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			if c.prefix != "" {
				key = strings.TrimPrefix(key, c.prefix+"/")
			}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func isPreconditionFailure(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return false
}

// MemoryClient is an in-memory ObjectClient with the same conditional-write
// semantics as S3, used by tests and small embedded deployments.
type MemoryClient struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	etagSeq int
}

type memoryObject struct {
	data []byte
	etag string
}

// NewMemoryClient builds an empty in-memory object store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string]memoryObject)}
}

// Get fetches an object and its etag.
func (c *MemoryClient) Get(ctx context.Context, key string) ([]byte, string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	object, ok := c.objects[key]
	if !ok {
		return nil, "", false, nil
	}
	data := make([]byte, len(object.data))
	copy(data, object.data)
	return data, object.etag, true, nil
}

// Put stores an object under the given condition.
func (c *MemoryClient) Put(ctx context.Context, key string, data []byte, cond PutCondition) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, exists := c.objects[key]
	if cond.IfNoneMatch && exists {
		return "", ErrPrecondition
	}
	if cond.IfMatch != "" && (!exists || existing.etag != cond.IfMatch) {
		return "", ErrPrecondition
	}
	c.etagSeq++
	etag := uuid.NewString()[:8] + "-" + strconv.Itoa(c.etagSeq)
	stored := make([]byte, len(data))
	copy(stored, data)
	c.objects[key] = memoryObject{data: stored, etag: etag}
	return etag, nil
}

// Delete removes an object, conditionally when ifMatch is set.
func (c *MemoryClient) Delete(ctx context.Context, key string, ifMatch string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, exists := c.objects[key]
	if ifMatch != "" {
		if !exists {
			return ErrNotFound
		}
		if existing.etag != ifMatch {
			return ErrPrecondition
		}
	}
	delete(c.objects, key)
	return nil
}

// List returns the keys under a prefix in lexicographic order.
func (c *MemoryClient) List(ctx context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for key := range c.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// leaseClock exists so tests can warp lease expiry.
var leaseClock = time.Now
