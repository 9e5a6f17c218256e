package artifacts

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qledger/pkg/evidence"
	"github.com/Mindburn-Labs/qledger/pkg/selection"
)

func sealedBundle(t *testing.T) *evidence.Bundle {
	t.Helper()
	ctx := context.Background()
	sel, err := selection.NewSelector(selection.Policy{
		Version:         "1.0.0",
		AllowedBackends: []string{"ibm_kyoto"},
		Fallback:        "ibm_kyoto",
	})
	require.NoError(t, err)
	decision, err := sel.Select([]selection.Candidate{{Name: "ibm_kyoto", Operational: true, Capacity: 127, Load: 3}}, 2, "")
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	l, err := evidence.NewLedger(ctx, evidence.NewMemoryStore(), evidence.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	require.NoError(t, err)

	e, err := l.Open(ctx, evidence.Request{Backend: "ibm_kyoto", Shots: 100, Input: []float64{0.5}}, decision)
	require.NoError(t, err)
	_, err = l.Seal(ctx, e.ID, map[string]any{"counts": map[string]any{"00": 60, "11": 40}}, "job-42", evidence.GradeSealedA)
	require.NoError(t, err)

	b, err := l.Export(ctx)
	require.NoError(t, err)
	return b
}

func TestDirSink_PublishFetch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewDirSink(dir)
	require.NoError(t, err)

	b := sealedBundle(t)
	rec, err := Publish(ctx, sink, "fs", b)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.Ref, "sha256:"))
	assert.Equal(t, b.BundleHash, rec.BundleHash)

	digest := strings.TrimPrefix(rec.Ref, "sha256:")
	_, err = os.Stat(filepath.Join(dir, digest+".bundle.json"))
	require.NoError(t, err)

	again, err := Publish(ctx, sink, "fs", b)
	require.NoError(t, err)
	assert.Equal(t, rec.Ref, again.Ref)

	got, err := Fetch(ctx, sink, rec.Ref)
	require.NoError(t, err)
	assert.True(t, evidence.VerifyBundle(got).Valid)

	ok, err := sink.Exists(ctx, rec.Ref)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDirSink_Refs(t *testing.T) {
	ctx := context.Background()
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)

	_, err = sink.Get(ctx, "md5:abc")
	assert.Error(t, err)
	_, err = sink.Get(ctx, "sha256:../../etc/passwd")
	assert.Error(t, err)

	missing := "sha256:" + strings.Repeat("0", 64)
	_, err = sink.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := sink.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_Kinds(t *testing.T) {
	ctx := context.Background()

	sink, err := Open(ctx, Options{Kind: KindFS, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &DirSink{}, sink)

	_, err = Open(ctx, Options{Kind: KindS3})
	assert.ErrorContains(t, err, "QLEDGER_EXPORT_BUCKET")

	_, err = Open(ctx, Options{Kind: KindGCS})
	assert.ErrorContains(t, err, "QLEDGER_EXPORT_BUCKET")

	_, err = Open(ctx, Options{Kind: "ftp"})
	assert.ErrorContains(t, err, "unsupported")
}

// fakeS3 serves path-style object requests from memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    atomic.Int32
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.puts.Add(1)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		if _, ok := f.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Sink_AgainstFake(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	sink := NewS3SinkWithClient(client, "audit", "qledger/")

	b := sealedBundle(t)
	rec, err := Publish(ctx, sink, "s3", b)
	require.NoError(t, err)

	digest := strings.TrimPrefix(rec.Ref, "sha256:")
	fake.mu.Lock()
	_, stored := fake.objects["/audit/qledger/"+digest+".bundle.json"]
	fake.mu.Unlock()
	assert.True(t, stored)

	_, err = Publish(ctx, sink, "s3", b)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.puts.Load(), "second publish must not rewrite")

	got, err := Fetch(ctx, sink, rec.Ref)
	require.NoError(t, err)
	assert.Equal(t, b.BundleHash, got.BundleHash)

	ok, err := sink.Exists(ctx, rec.Ref)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = sink.Get(ctx, "sha256:"+strings.Repeat("a", 64))
	assert.Error(t, err)
}
