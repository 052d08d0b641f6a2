package stages

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Document is a stored blob with its metadata.
type Document struct {
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// DocumentStore persists source material and published documents. Put must
// overwrite an existing key so that retried activities do not duplicate
// documents.
type DocumentStore interface {
	Put(ctx context.Context, doc Document) (location string, err error)
}

// MemoryDocumentStore keeps documents in a map. It is safe for concurrent use.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]Document)}
}

func (m *MemoryDocumentStore) Put(ctx context.Context, doc Document) (string, error) {
	if doc.Key == "" {
		return "", fmt.Errorf("document key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.Body = bytes.Clone(doc.Body)
	m.docs[doc.Key] = doc
	return "mem://" + doc.Key, nil
}

// Get returns the document stored under key.
func (m *MemoryDocumentStore) Get(key string) (Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[key]
	return d, ok
}

// Len returns the number of distinct keys stored.
func (m *MemoryDocumentStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// S3API is the subset of *s3.Client used by S3DocumentStore.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3DocumentStore writes documents to an S3 bucket under a key prefix.
type S3DocumentStore struct {
	client S3API
	bucket string
	prefix string
}

func NewS3DocumentStore(client S3API, bucket, prefix string) *S3DocumentStore {
	return &S3DocumentStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// NewS3DocumentStoreFromEnv builds the S3 client from the default AWS
// credential chain.
func NewS3DocumentStoreFromEnv(ctx context.Context, region, bucket, prefix string) (*S3DocumentStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3DocumentStore(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (s *S3DocumentStore) Put(ctx context.Context, doc Document) (string, error) {
	key := doc.Key
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "text/markdown"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(doc.Body),
		ContentType: aws.String(contentType),
		Metadata:    doc.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
