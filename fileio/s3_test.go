package fileio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// mockS3 is an in-memory path-style S3 subset: objects keyed by bucket/key.
type mockS3 struct {
	mu    sync.Mutex
	state map[string][]byte
}

func respond(code int, body string, hdr http.Header) *http.Response {
	if hdr == nil {
		hdr = http.Header{}
	}
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(body)), Header: hdr}
}

func (m *mockS3) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, key, _ := strings.Cut(strings.TrimPrefix(req.URL.Path, "/"), "/")
	full := bucket + "/" + key

	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		prefix := bucket + "/" + req.URL.Query().Get("prefix")
		var keys []string
		for k := range m.state {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>",
				strings.TrimPrefix(k, bucket+"/"), len(m.state[k]))
		}
		b.WriteString("</ListBucketResult>")
		return respond(200, b.String(), http.Header{"Content-Type": {"application/xml"}}), nil
	}

	switch req.Method {
	case http.MethodHead:
		if body, ok := m.state[full]; ok {
			return respond(200, "", http.Header{
				"Content-Length": {strconv.Itoa(len(body))},
				"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
				"ETag":           {strconv.Quote(Digest(body))},
			}), nil
		}
		return respond(404, "", nil), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		m.state[full] = body
		return respond(200, "", http.Header{"ETag": {`"etag"`}}), nil
	case http.MethodGet:
		if body, ok := m.state[full]; ok {
			return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(body)), Header: http.Header{
				"Content-Length": {strconv.Itoa(len(body))},
			}}, nil
		}
		return respond(404, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`,
			http.Header{"Content-Type": {"application/xml"}}), nil
	case http.MethodDelete:
		delete(m.state, full)
		return respond(204, "", nil), nil
	}
	return respond(501, "", nil), nil
}

// decodeChunked strips a single aws-chunked frame when the SDK streams the body.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	n, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil || n <= 0 || int64(len(parts[1])) != n || parts[2] != "0" {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newMockS3(t *testing.T) (*S3, *mockS3) {
	t.Helper()
	rt := &mockS3{state: map[string][]byte{}}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	if err != nil {
		t.Fatalf("cfg: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return NewS3WithClient(client, t.TempDir()), rt
}

func TestS3RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newMockS3(t)
	uri := "s3://bkt/root/analyze/stats.json"
	if err := store.Write(ctx, uri, []byte(`{"means":[1]}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ok, err := store.Exists(ctx, uri)
	if err != nil || !ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
	data, err := store.Read(ctx, uri)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"means":[1]}` {
		t.Errorf("read got %q", data)
	}

	st, err := store.Stat(ctx, uri)
	if err != nil || st.Size != int64(len(data)) || st.Version == "" || !st.ModTime.IsZero() {
		t.Errorf("stat %+v %v", st, err)
	}

	p, err := store.LocalPath(ctx, uri)
	if err != nil {
		t.Fatalf("local path: %v", err)
	}
	local, err := os.ReadFile(p)
	if err != nil || !bytes.Equal(local, data) {
		t.Errorf("local copy mismatch: %v", err)
	}
	if p2, _ := store.LocalPath(ctx, uri); p2 != p {
		t.Errorf("second download not cached: %s != %s", p2, p)
	}

	list, err := store.List(ctx, "s3://bkt/root/")
	if err != nil || len(list) != 1 || list[0] != uri {
		t.Fatalf("list: %v %v", err, list)
	}
	if err = store.Delete(ctx, uri); err != nil {
		t.Fatal(err)
	}
	if ok, _ = store.Exists(ctx, uri); ok {
		t.Error("exists after delete")
	}
}

func TestS3Missing(t *testing.T) {
	store, _ := newMockS3(t)
	_, err := store.Read(context.Background(), "s3://bkt/nope")
	if !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	if _, err = store.Stat(context.Background(), "s3://bkt/nope"); !errors.Is(err, ErrNotExist) {
		t.Errorf("stat: expected ErrNotExist, got %v", err)
	}
}

func TestParseS3URI(t *testing.T) {
	b, k, err := ParseS3URI("s3://bucket/a/b.tif")
	if err != nil || b != "bucket" || k != "a/b.tif" {
		t.Errorf("got %s %s %v", b, k, err)
	}
	if _, _, err = ParseS3URI("s3:///x"); err == nil {
		t.Error("expected missing bucket error")
	}
}

func TestRouterWithS3(t *testing.T) {
	store, _ := newMockS3(t)
	r := New(Options{}).WithS3(store)
	ctx := context.Background()
	if err := r.Write(ctx, "s3://bkt/x", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := r.Exists(ctx, "s3://bkt/x"); !ok {
		t.Error("router did not route to s3")
	}
}
