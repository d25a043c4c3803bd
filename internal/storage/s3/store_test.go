package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/sqlchat/sqlchat/internal/storage"
)

func TestPutUsesPrefixAndNormalizedKey(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("archive", "sqlchat/prod", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	_, err = store.Put(context.Background(), "/exchanges/2026/02/19/abc.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{ContentType: "application/vnd.apache.parquet"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.lastPutBucket != "archive" {
		t.Fatalf("bucket = %q", fake.lastPutBucket)
	}
	if fake.lastPutKey != "sqlchat/prod/exchanges/2026/02/19/abc.parquet" {
		t.Fatalf("key = %q", fake.lastPutKey)
	}
	if fake.lastContentType != "application/vnd.apache.parquet" {
		t.Fatalf("content type = %q", fake.lastContentType)
	}
}

func TestPutRejectsInvalidKeys(t *testing.T) {
	store, err := NewWithClient("archive", "", &fakeClient{})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	for _, key := range []string{"../secrets.txt", "..", "   ", "/"} {
		if _, err := store.Put(context.Background(), key, bytes.NewBufferString("x"), 1, storage.PutOptions{}); err == nil {
			t.Fatalf("Put(%q) expected validation error", key)
		}
	}
}

func TestGetMapsMissingObject(t *testing.T) {
	store, err := NewWithClient("archive", "p", &fakeClient{getErr: storage.ErrObjectNotFound})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if _, err := store.Get(context.Background(), "exchanges/missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get() error = %v, want ErrObjectNotFound", err)
	}
}

func TestGetReadsPrefixedKey(t *testing.T) {
	store, err := NewWithClient("archive", "p", &fakeClient{})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	reader, err := store.Get(context.Background(), "exchanges/a.parquet")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = reader.Close() }()
	body, _ := io.ReadAll(reader)
	if string(body) != "p/exchanges/a.parquet" {
		t.Fatalf("Get() body = %q", string(body))
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeClient{bucketExists: false}
	store, err := NewWithClient("archive", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if !fake.createBucketCalled {
		t.Fatal("expected CreateBucket to be called")
	}
}

func TestEnsureBucketSkipsExisting(t *testing.T) {
	fake := &fakeClient{bucketExists: true}
	store, err := NewWithClient("archive", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if err := store.ensureBucket(context.Background(), ""); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if fake.createBucketCalled {
		t.Fatal("CreateBucket should not be called for an existing bucket")
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw        string
		useSSL     bool
		wantHost   string
		wantSecure bool
	}{
		{raw: "https://minio.example.com", wantHost: "minio.example.com", wantSecure: true},
		{raw: "http://localhost:9000", useSSL: true, wantHost: "localhost:9000", wantSecure: false},
		{raw: "localhost:9000", useSSL: true, wantHost: "localhost:9000", wantSecure: true},
	}
	for _, tt := range tests {
		host, secure, err := parseEndpoint(tt.raw, tt.useSSL)
		if err != nil {
			t.Fatalf("parseEndpoint(%q) error = %v", tt.raw, err)
		}
		if host != tt.wantHost || secure != tt.wantSecure {
			t.Fatalf("parseEndpoint(%q) = %q/%v, want %q/%v", tt.raw, host, secure, tt.wantHost, tt.wantSecure)
		}
	}
}

func TestMapMinioErr(t *testing.T) {
	if err := mapMinioErr(minio.ErrorResponse{Code: "NoSuchKey"}); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("mapMinioErr(NoSuchKey) = %v", err)
	}
	other := errors.New("access denied")
	if err := mapMinioErr(other); err != other {
		t.Fatalf("mapMinioErr(other) = %v", err)
	}
}

func TestListAndDeleteStayInsidePrefix(t *testing.T) {
	fake := &fakeClient{listed: []storage.ObjectInfo{{Key: "p/exchanges/2026/01/02/t1.parquet", Size: 10}}}
	store, err := NewWithClient("archive", "/p/", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	objects, err := store.List(context.Background(), "exchanges/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if fake.listPrefix != "p/exchanges/" {
		t.Fatalf("list prefix = %q", fake.listPrefix)
	}
	if len(objects) != 1 || objects[0].Key != "exchanges/2026/01/02/t1.parquet" {
		t.Fatalf("objects = %+v", objects)
	}

	if err := store.Delete(context.Background(), objects[0].Key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(fake.removed) != 1 || fake.removed[0] != "p/exchanges/2026/01/02/t1.parquet" {
		t.Fatalf("removed = %v", fake.removed)
	}
	if err := store.Delete(context.Background(), "../escape"); err == nil {
		t.Fatal("Delete() expected error for key escaping the prefix")
	}
}

type fakeClient struct {
	lastPutBucket      string
	lastPutKey         string
	lastContentType    string
	bucketExists       bool
	createBucketCalled bool
	getErr             error
	listPrefix         string
	listed             []storage.ObjectInfo
	removed            []string
}

func (f *fakeClient) Put(_ context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (storage.ObjectInfo, error) {
	f.lastPutBucket = bucket
	f.lastPutKey = key
	f.lastContentType = contentType
	_, _ = io.Copy(io.Discard, reader)
	return storage.ObjectInfo{Key: key, Size: size, ETag: "etag-1"}, nil
}

func (f *fakeClient) Get(_ context.Context, _, key string) (io.ReadCloser, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return io.NopCloser(strings.NewReader(key)), nil
}

func (f *fakeClient) List(_ context.Context, _, prefix string) ([]storage.ObjectInfo, error) {
	f.listPrefix = prefix
	return append([]storage.ObjectInfo(nil), f.listed...), nil
}

func (f *fakeClient) Remove(_ context.Context, _, key string) error {
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeClient) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeClient) CreateBucket(_ context.Context, _, _ string) error {
	f.createBucketCalled = true
	return nil
}
