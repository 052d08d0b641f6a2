package stages

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func TestS3DocumentStore_Put(t *testing.T) {
	fake := &fakeS3{}
	store := NewS3DocumentStore(fake, "docs-bucket", "/quill/")

	loc, err := store.Put(context.Background(), Document{
		Key:      "published/wf-1/k",
		Body:     []byte("hello"),
		Metadata: map[string]string{"workflow_id": "wf-1"},
	})
	require.NoError(t, err)
	require.Equal(t, "s3://docs-bucket/quill/published/wf-1/k", loc)

	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	require.Equal(t, "docs-bucket", aws.ToString(in.Bucket))
	require.Equal(t, "quill/published/wf-1/k", aws.ToString(in.Key))
	require.Equal(t, "text/markdown", aws.ToString(in.ContentType))
	require.Equal(t, "wf-1", in.Metadata["workflow_id"])
	require.Equal(t, "hello", fake.bodies[0])
}

func TestS3DocumentStore_PutError(t *testing.T) {
	store := NewS3DocumentStore(&fakeS3{err: errors.New("access denied")}, "b", "")
	_, err := store.Put(context.Background(), Document{Key: "k"})
	require.ErrorContains(t, err, "access denied")
}

func TestMemoryDocumentStore(t *testing.T) {
	m := NewMemoryDocumentStore()
	_, err := m.Put(context.Background(), Document{})
	require.Error(t, err)

	body := []byte("v1")
	_, err = m.Put(context.Background(), Document{Key: "a", Body: body})
	require.NoError(t, err)
	body[0] = 'x'

	got, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, "v1", string(got.Body))
}
