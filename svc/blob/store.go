package blob

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrObjectNotFound = errors.New("object not found")

// Store is the bulk tier: opaque bytes addressed by refs it mints itself.
// Refs are never reused.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
	Ping(ctx context.Context) error
	Close() error
}

func newObjectName() string {
	return uuid.NewString()
}

func formatRef(scheme, bucket, key string) string {
	return scheme + "://" + bucket + "/" + key
}

// parseRef returns the object key of a ref minted for scheme and bucket.
func parseRef(ref, scheme, bucket string) (string, bool) {
	rest, ok := strings.CutPrefix(ref, scheme+"://")
	if !ok {
		return "", false
	}
	b, key, ok := strings.Cut(rest, "/")
	if !ok || b != bucket || key == "" {
		return "", false
	}
	return key, true
}
