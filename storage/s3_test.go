package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3 keeps objects in memory and pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	lists   int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = b
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	if len(keys) > 2 {
		keys = keys[:2]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range in.Delete.Objects {
		delete(f.objects, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3PutGet(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newS3WithClient(fake, "bucket", "/renders/")

	// a plain io.Reader is buffered before upload
	r := io.MultiReader(strings.NewReader("ana"), strings.NewReader("glyph"))
	if err := s.Put(ctx, "s1/anaglyph.png", r, "image/png"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := fake.objects["renders/s1/anaglyph.png"]; !ok {
		t.Fatalf("object stored under %v; want renders/ prefix", fake.objects)
	}
	if fake.types["renders/s1/anaglyph.png"] != "image/png" {
		t.Errorf("content type = %q", fake.types["renders/s1/anaglyph.png"])
	}
	if got := readAll(t, s, "s1/anaglyph.png"); got != "anaglyph" {
		t.Errorf("Get() = %q", got)
	}
	if _, err := s.Get(ctx, "s1/nope.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v; want ErrNotFound", err)
	}
	if err := s.Put(ctx, "../x", strings.NewReader(""), ""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Put(../x) error = %v; want ErrInvalidKey", err)
	}
}

func TestS3DeletePrefixPages(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newS3WithClient(fake, "bucket", "")
	for _, k := range []string{"a/1", "a/2", "a/3", "a/4", "a/5", "ab/1", "b/1"} {
		if err := s.Put(ctx, k, strings.NewReader(k), ""); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeletePrefix(ctx, "a")
	if err != nil {
		t.Fatalf("DeletePrefix() error = %v", err)
	}
	if n != 5 {
		t.Errorf("DeletePrefix() = %d; want 5", n)
	}
	if fake.lists != 3 {
		t.Errorf("listed %d pages; want 3", fake.lists)
	}
	// "ab/1" shares the string prefix but not the session
	for _, k := range []string{"ab/1", "b/1"} {
		if _, ok := fake.objects[k]; !ok {
			t.Errorf("%s deleted", k)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&types.NoSuchKey{}, true},
		{&smithy.GenericAPIError{Code: "NotFound"}, true},
		{&smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isNotFound(tt.err); got != tt.want {
			t.Errorf("isNotFound(%v) = %v; want %v", tt.err, got, tt.want)
		}
	}
}
