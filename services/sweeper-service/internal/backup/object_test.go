package backup

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	body     []byte
	modified time.Time
}

// fakeS3 is an in-memory ObjectAPI for testing.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	clock   time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string]fakeObject),
		clock:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.clock = f.clock.Add(time.Minute)
	f.objects[aws.ToString(in.Key)] = fakeObject{body: body, modified: f.clock}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		obj := f.objects[key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			LastModified: aws.Time(obj.modified),
			Size:         aws.Int64(int64(len(obj.body))),
		})
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestObjectBackend_PutLatestList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	api := newFakeS3()
	b := NewObjectBackend(api, "bucket", "/backups/", zerolog.Nop())

	first, err := Seal("acc", models.DataGroups, payload{Count: 1}, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	second, err := Seal("acc", models.DataGroups, payload{Count: 2}, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	other, err := Seal("other", models.DataGroups, payload{Count: 9}, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, first))
	require.NoError(t, b.Put(ctx, second))
	require.NoError(t, b.Put(ctx, other))

	_, ok := api.objects["backups/acc/acc_groups_20260201_000000.json"]
	assert.True(t, ok)

	entries, err := b.List(ctx, "acc")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "acc_groups_20260202_000000.json", entries[0].Name)

	latest, err := b.Latest(ctx, "acc", models.DataGroups)
	require.NoError(t, err)
	assert.NoError(t, Verify(latest))
	assert.Equal(t, second.Hash, latest.Hash)

	_, err = b.Latest(ctx, "acc", models.DataCheckpoints)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Remove(ctx, entries[1]))
	entries, err = b.List(ctx, "acc")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestObjectBackend_ThroughGateway(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	api := newFakeS3()
	objects := NewObjectBackend(api, "bucket", "", zerolog.Nop())
	g := newTestGateway(t, objects, newMemoryBackend())

	assert.Equal(t, "object", g.RemoteName())
	require.NoError(t, g.Backup(ctx, "acc", models.DataSession, payload{Items: []string{"s"}}))
	assert.Len(t, api.objects, 1)

	var out payload
	found, err := g.RestoreInto(ctx, "acc", models.DataSession, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"s"}, out.Items)
}
