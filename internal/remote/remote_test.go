package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func object(content string) (string, []byte) {
	data := []byte(fmt.Sprintf("blob %d\x00%s", len(content), content))
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), data
}

func objects(contents ...string) map[string][]byte {
	out := make(map[string][]byte, len(contents))
	for _, c := range contents {
		h, d := object(c)
		out[h] = d
	}
	return out
}

func newTestRemote(t *testing.T, tag string) *OCIRemote {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	r, err := NewOCIRemote(host+"/archives/test:"+tag, StaticAuthenticator{}, WithRetry(1, time.Millisecond))
	require.NoError(t, err)
	return r
}

func TestPushPull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRemote(t, "v1")

	objs := objects("a", "b", "c")
	snap := Snapshot{Key: "abc123", Log: []string{"r1", "r2"}, Signature: "c2ln", Objects: objs}

	prefixes, err := r.Push(ctx, snap, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, prefixes)

	got, remotePrefixes, err := r.Pull(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.Key)
	assert.Equal(t, []string{"r1", "r2"}, got.Log)
	assert.Equal(t, "c2ln", got.Signature)
	assert.Equal(t, objs, got.Objects)
	assert.Equal(t, prefixes, remotePrefixes)

	// nothing differs, nothing is downloaded
	again, _, err := r.Pull(ctx, remotePrefixes)
	require.NoError(t, err)
	assert.Empty(t, again.Objects)
	assert.Equal(t, []string{"r1", "r2"}, again.Log)
}

func TestIncrementalPush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRemote(t, "latest")

	first := objects("one", "two")
	prefixes, err := r.Push(ctx, Snapshot{Key: "k", Log: []string{"r1"}, Objects: first}, nil)
	require.NoError(t, err)

	second := objects("one", "two", "three")
	prefixes2, err := r.Push(ctx, Snapshot{Key: "k", Log: []string{"r1", "r2"}, Objects: second}, prefixes)
	require.NoError(t, err)

	for prefix, info := range prefixes {
		if prefixes2[prefix].Hash == info.Hash {
			assert.Equal(t, info.Layer, prefixes2[prefix].Layer, "unchanged prefix %s reuses its layer", prefix)
		}
	}

	got, _, err := r.Pull(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, second, got.Objects)
}

func TestPullMissingImage(t *testing.T) {
	t.Parallel()
	r := newTestRemote(t, "missing")

	_, _, err := r.Pull(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsUnauthorized(err))
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status       int
		unauthorized bool
		retry        bool
	}{
		{status: http.StatusUnauthorized, unauthorized: true},
		{status: http.StatusForbidden, unauthorized: true},
		{status: http.StatusNotFound},
		{status: http.StatusTooManyRequests, retry: true},
		{status: http.StatusBadGateway, retry: true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &transport.Error{StatusCode: tt.status})
			assert.Equal(t, tt.unauthorized, IsUnauthorized(err))
			assert.Equal(t, tt.retry, retryable(err))
		})
	}
	assert.True(t, retryable(fmt.Errorf("connection reset")))
}

func TestPackRoundTrip(t *testing.T) {
	t.Parallel()
	objs := objects("x", "y")
	data, err := PackLayer(objs)
	require.NoError(t, err)

	got, err := UnpackLayer(data)
	require.NoError(t, err)
	assert.Equal(t, objs, got)

	_, err = UnpackLayer([]byte{0xc1})
	assert.Error(t, err)
}

func TestBuildLayerPlan(t *testing.T) {
	t.Parallel()
	mb := int64(1024 * 1024)
	tests := []struct {
		name  string
		sizes map[string]int64
		want  [][]string
	}{
		{name: "empty", sizes: map[string]int64{}, want: nil},
		{name: "small prefixes share a layer", sizes: map[string]int64{"00": mb, "01": mb, "02": mb}, want: [][]string{{"00", "01", "02"}}},
		{name: "split at soft max", sizes: map[string]int64{"00": 6 * mb, "01": 6 * mb}, want: [][]string{{"00"}, {"01"}}},
		{name: "small layer absorbs a large prefix", sizes: map[string]int64{"00": mb, "01": 12 * mb}, want: [][]string{{"00", "01"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildLayerPlan(tt.sizes))
		})
	}
}

func TestPrefixHash(t *testing.T) {
	t.Parallel()
	a := objects("a", "b")
	b := objects("b", "a")
	assert.Equal(t, PrefixHash(a), PrefixHash(b))
	assert.NotEqual(t, PrefixHash(a), PrefixHash(objects("a")))
	assert.Empty(t, PrefixHash(nil))

	h, d := object("z")
	groups := GroupByPrefix(map[string][]byte{h: d})
	assert.Equal(t, map[string][]byte{h: d}, groups[h[:2]])
	assert.True(t, bytes.HasPrefix(d, []byte("blob ")))
}
