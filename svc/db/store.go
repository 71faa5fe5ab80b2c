package db

import (
	"context"
	"time"

	"stashbin/pkg/domain"
)

// Store is the structured tier: one record per paste, keyed by id. Insert is
// the only place id uniqueness is decided.
//
// ListExpired returns up to limit pastes whose expiry is at or before asOf,
// starting after the record with id after ("" for the first page). Records are
// metadata only: inline bodies are left empty, offloaded refs are kept.
type Store interface {
	Insert(ctx context.Context, p *domain.Paste) error
	Get(ctx context.Context, id string) (*domain.Paste, error)
	Delete(ctx context.Context, id string) error
	ListExpired(ctx context.Context, asOf time.Time, after string, limit int) ([]*domain.Paste, error)
	Ping(ctx context.Context) error
	Close() error
}

func contentColumns(c domain.Content) (inline []byte, ref *string) {
	switch v := c.(type) {
	case domain.Inline:
		if v.Body == nil {
			return []byte{}, nil
		}
		return v.Body, nil
	case domain.Offloaded:
		r := v.Ref
		return nil, &r
	}
	return nil, nil
}

func contentFrom(inline []byte, ref *string) domain.Content {
	if ref != nil {
		return domain.Offloaded{Ref: *ref}
	}
	if inline == nil {
		inline = []byte{}
	}
	return domain.Inline{Body: inline}
}

// expiredContent is the body-less content of a record listed for reclaim.
func expiredContent(ref *string) domain.Content {
	if ref != nil {
		return domain.Offloaded{Ref: *ref}
	}
	return domain.Inline{}
}

func unixNano(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromUnixNano(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := time.Unix(0, *n).UTC()
	return &t
}
