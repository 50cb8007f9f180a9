package artifact

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casecrawl/casecrawl/internal/model"
)

func TestFileName(t *testing.T) {
	c := &model.CaseJob{
		ID:                 "c1",
		BatchID:            "b1",
		PartyRaw:           "HKSAR v Chan Wai Man",
		CitationNormalized: "[2019] HKCFA 12",
	}
	assert.Equal(t, "c1_HKSAR_v_Chan_Wai_Man_2019_HKCFA_12.pdf", FileName(c, ".pdf"))
	assert.Equal(t, "b1/c1_HKSAR_v_Chan_Wai_Man_2019_HKCFA_12.html", Key(c, model.DocumentTranscript, "text/html; charset=utf-8"))

	empty := &model.CaseJob{ID: "c2"}
	assert.Equal(t, "c2_unknown_unknown.pdf", FileName(empty, ""))

	long := &model.CaseJob{ID: "c3", PartyRaw: strings.Repeat("a", 80) + "/..", CitationNormalized: "x"}
	name := FileName(long, ".pdf")
	assert.Equal(t, "c3_"+strings.Repeat("a", 50)+"_x.pdf", name)
}

func TestExtension(t *testing.T) {
	tests := []struct {
		doctype model.DocumentType
		ct      string
		want    string
	}{
		{model.DocumentPDF, "application/pdf", ".pdf"},
		{model.DocumentPDF, "", ".pdf"},
		{model.DocumentTranscript, "text/html", ".html"},
		{model.DocumentTranscript, "text/plain", ".txt"},
		{model.DocumentTranscript, "application/msword", ".doc"},
		{model.DocumentTranscript, "application/octet-stream", ".bin"},
		{model.DocumentPDF, "application/octet-stream", ".pdf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Extension(tt.doctype, tt.ct), "%s %s", tt.doctype, tt.ct)
	}
}

func TestLocalStore_PutOpenDelete(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	ref, err := l.Put(ctx, "b1/doc.pdf", "application/pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "b1/doc.pdf", ref)

	rc, err := l.Open(ctx, ref)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(body))

	entries, err := os.ReadDir(filepath.Join(l.root, "b1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should be gone")

	require.NoError(t, l.Delete(ctx, ref))
	require.NoError(t, l.Delete(ctx, ref), "deleting twice is fine")
	_, err = l.Open(ctx, ref)
	assert.Error(t, err)
}

func TestLocalStore_RejectsEscape(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	_, err = l.Put(context.Background(), "../outside.pdf", "", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = l.Open(context.Background(), "/etc/passwd")
	assert.Error(t, err)
}

func TestLocalStore_Sweep(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	for _, k := range []string{"b1/old.pdf", "b1/new.pdf", "b2/old.pdf"} {
		_, err := l.Put(ctx, k, "", strings.NewReader("x"))
		require.NoError(t, err)
	}
	old := time.Now().Add(-40 * 24 * time.Hour)
	for _, k := range []string{"b1/old.pdf", "b2/old.pdf"} {
		require.NoError(t, os.Chtimes(filepath.Join(l.root, k), old, old))
	}

	n, err := l.Sweep(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(filepath.Join(l.root, "b1", "new.pdf"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(l.root, "b1", "old.pdf"))
	assert.True(t, os.IsNotExist(err))
}

type object struct {
	body         []byte
	contentType  string
	lastModified time.Time
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]object
	pageLen int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string]object{}, pageLen: 1} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = object{body: body, contentType: aws.ToString(in.ContentType), lastModified: time.Now()}
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

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 pages in key order, pageLen objects at a time, using the key
// as the continuation token.
func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for i, k := range keys {
		if i == f.pageLen {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(keys[i-1])
			break
		}
		lm := f.objects[k].lastModified
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), LastModified: &lm})
	}
	return out, nil
}

func TestS3Store_PutOpenDelete(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newS3Store(fake, "bucket", "casecrawl")

	ref, err := s.Put(ctx, "b1/doc.pdf", "", strings.NewReader("pdf"))
	require.NoError(t, err)
	assert.Equal(t, "b1/doc.pdf", ref)
	require.Contains(t, fake.objects, "casecrawl/b1/doc.pdf")
	assert.Equal(t, "application/pdf", fake.objects["casecrawl/b1/doc.pdf"].contentType)

	rc, err := s.Open(ctx, ref)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "pdf", string(body))

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Open(ctx, ref)
	assert.Error(t, err)
}

func TestS3Store_Sweep(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newS3Store(fake, "bucket", "p")
	for _, k := range []string{"b1/a.pdf", "b1/b.pdf", "b2/c.pdf"} {
		_, err := s.Put(ctx, k, "", strings.NewReader("x"))
		require.NoError(t, err)
	}
	fake.objects["other/x.pdf"] = object{lastModified: time.Now().Add(-time.Hour * 24 * 90)}
	for _, k := range []string{"p/b1/a.pdf", "p/b2/c.pdf"} {
		obj := fake.objects[k]
		obj.lastModified = time.Now().Add(-time.Hour * 24 * 31)
		fake.objects[k] = obj
	}

	n, err := s.Sweep(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, fake.objects, "p/b1/b.pdf")
	assert.Contains(t, fake.objects, "other/x.pdf", "objects outside the prefix are untouched")
	assert.NotContains(t, fake.objects, "p/b1/a.pdf")
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", ContentType("a/b.pdf"))
	assert.Equal(t, "text/html", ContentType("x.html"))
	assert.Equal(t, "application/octet-stream", ContentType("x"))
}
