package tier

import (
	"context"
	"stashbin/pkg/domain"
	"stashbin/svc/blob"
	"stashbin/svc/util"

	"github.com/pkg/errors"
)

const DefaultThreshold = 100 * 1024

// Policy decides where content lives and reads it back from there.
type Policy struct {
	threshold int
	blobs     blob.Store
}

func NewPolicy(threshold int, blobs blob.Store) *Policy {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Policy{threshold: threshold, blobs: blobs}
}
func (p *Policy) Threshold() int {
	return p.threshold
}

// Choose picks the bulk tier once content reaches the threshold.
func (p *Policy) Choose(size int) domain.Tier {
	if size >= p.threshold {
		return domain.TierOffloaded
	}
	return domain.TierInline
}

// Resolve returns a paste's bytes. A live record whose blob is gone is being
// deleted, so it reads as not found.
func (p *Policy) Resolve(ctx context.Context, paste *domain.Paste) ([]byte, error) {
	switch c := paste.Content.(type) {
	case domain.Inline:
		return c.Body, nil
	case domain.Offloaded:
		data, err := p.blobs.Get(ctx, c.Ref)
		if err == blob.ErrObjectNotFound {
			util.Warn().Str("paste_id", paste.ID).Msg("blob missing behind live record")
			return nil, domain.ErrPasteNotFound
		}
		if err != nil {
			return nil, errors.Wrap(err, "resolve blob")
		}
		return data, nil
	}
	return nil, errors.Errorf("paste %s has no content", paste.ID)
}
