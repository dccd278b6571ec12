// Package remote replicates archives through OCI registries.
//
// One image holds one archive: the archive key and version log travel as
// config labels, objects are packed into zstd layers grouped by hash prefix.
// Only prefixes whose object set changed since the last transfer are
// uploaded or downloaded.
package remote

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// Snapshot is the replicated state of one archive.
type Snapshot struct {
	Key string
	Log []string
	// Signature is the writer's signature over the encoded log.
	Signature string
	Objects   map[string][]byte
}

// Remote handles OCI registry operations.
type Remote interface {
	// Push uploads the snapshot, reusing layers recorded in prefixes.
	Push(ctx context.Context, snap Snapshot, prefixes map[string]PrefixInfo) (map[string]PrefixInfo, error)

	// Pull downloads the objects of every prefix that differs from prefixes.
	Pull(ctx context.Context, prefixes map[string]PrefixInfo) (*Snapshot, map[string]PrefixInfo, error)
}

// IsUnauthorized reports whether the registry rejected the credentials.
func IsUnauthorized(err error) bool {
	return statusOf(err) == http.StatusUnauthorized || statusOf(err) == http.StatusForbidden
}

// IsNotFound reports whether the image does not exist.
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

func statusOf(err error) int {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode
	}
	return 0
}

// retryable keeps client errors from being retried.
func retryable(err error) bool {
	code := statusOf(err)
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}
