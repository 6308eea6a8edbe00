package blob

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 records PUT requests and answers like S3.
type fakeS3 struct {
	mu         sync.Mutex
	objects    map[string][]byte
	types      map[string]string
	decodedLen map[string]string
	status     int
}

func newFakeS3(status int) *fakeS3 {
	return &fakeS3{
		objects:    map[string][]byte{},
		types:      map[string]string{},
		decodedLen: map[string]string{},
		status:     status,
	}
}

// decodeAWSChunked strips the framing of a streaming SigV4 upload:
// "<hex size>[;chunk-signature=...]\r\n<data>\r\n" repeated until a zero-size
// chunk, optionally followed by trailers.
func decodeAWSChunked(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var out []byte
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeField, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), ";")
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out, nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func isAWSChunked(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") ||
		strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") ||
		r.Header.Get("X-Amz-Decoded-Content-Length") != ""
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.status != 0 {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
		return
	}
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusOK)
		return
	}
	var body []byte
	var err error
	if isAWSChunked(r) {
		body, err = decodeAWSChunked(r.Body)
	} else {
		body, err = io.ReadAll(r.Body)
	}
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.objects[r.URL.Path] = body
	f.types[r.URL.Path] = r.Header.Get("Content-Type")
	f.decodedLen[r.URL.Path] = r.Header.Get("X-Amz-Decoded-Content-Length")
	f.mu.Unlock()
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func newTestStorage(t *testing.T, fake *fakeS3) *S3Storage {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3Storage(Config{
		Endpoint:        strings.TrimPrefix(srv.URL, "http://"),
		Region:          "eu-central-1",
		Bucket:          "statements",
		AccessKeyID:     "AKIATEST",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	return s
}

func TestS3Storage_Put(t *testing.T) {
	fake := newFakeS3(0)
	s := newTestStorage(t, fake)

	err := s.Put(context.Background(), "inputs/123_acme_rozvaha.pdf", []byte("%PDF-1.7"), "application/pdf")
	require.NoError(t, err)

	assert.Equal(t, "statements", s.Bucket())
	assert.Equal(t, []byte("%PDF-1.7"), fake.objects["/statements/inputs/123_acme_rozvaha.pdf"])
	assert.Equal(t, "application/pdf", fake.types["/statements/inputs/123_acme_rozvaha.pdf"])
	if n := fake.decodedLen["/statements/inputs/123_acme_rozvaha.pdf"]; n != "" {
		assert.Equal(t, "8", n)
	}
}

func TestDecodeAWSChunked(t *testing.T) {
	signed := "8;chunk-signature=abc\r\n%PDF-1.7\r\n0;chunk-signature=def\r\n\r\n"
	got, err := decodeAWSChunked(strings.NewReader(signed))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(got))

	trailer := "3\r\nabc\r\n2\r\nde\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n"
	got, err = decodeAWSChunked(strings.NewReader(trailer))
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(got))
}

func TestS3Storage_PutError(t *testing.T) {
	fake := newFakeS3(http.StatusForbidden)
	s := newTestStorage(t, fake)

	err := s.Put(context.Background(), "inputs/x.pdf", []byte("x"), "application/pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statements/inputs/x.pdf")
}

func TestNewS3Storage_RequiresBucket(t *testing.T) {
	_, err := NewS3Storage(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}
