package svc

import (
	"context"
	"stashbin/cfg"
	"stashbin/metrics"
	"stashbin/pkg/domain"
	"stashbin/svc/blob"
	"stashbin/svc/db"
	"stashbin/svc/tier"
	"stashbin/svc/util"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// IDSource draws candidate paste ids. It keeps no record of what it issued.
type IDSource interface {
	Allocate() (string, error)
}

type Paste struct {
	store        db.Store
	blobs        blob.Store
	policy       *tier.Policy
	ids          IDSource
	maxSize      int
	maxAttempts  int
	storeTimeout time.Duration
	shutdown     atomic.Bool
	opWg         sync.WaitGroup
}

func NewPaste(store db.Store, blobs blob.Store, policy *tier.Policy, ids IDSource, c *cfg.Cfg) *Paste {
	if store == nil || blobs == nil || policy == nil || ids == nil || c == nil {
		panic("paste service: nil dependency (store, blobs, policy, ids, or cfg)")
	}
	p := &Paste{
		store:        store,
		blobs:        blobs,
		policy:       policy,
		ids:          ids,
		maxSize:      c.MaxPasteSize,
		maxAttempts:  c.IDMaxAttempts,
		storeTimeout: c.StoreTimeout,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 8
	}
	if p.storeTimeout <= 0 {
		p.storeTimeout = 5 * time.Second
	}
	return p
}

// Shutdown rejects new operations and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}
func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrServiceShuttingDown
	}
	p.opWg.Add(1)
	return nil
}
func (p *Paste) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.storeTimeout)
}

// Create stores content in the tier chosen for its size and returns the new
// record. Offloaded content is written before its record, so an interrupted
// create can orphan a blob but never leaves a record without content.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if len(params.Content) == 0 {
		return nil, domain.ErrContentRequired
	}
	if p.maxSize > 0 && len(params.Content) > p.maxSize {
		return nil, domain.ErrPasteTooLarge
	}
	ext, err := domain.NormalizeExtension(params.Extension)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	paste := &domain.Paste{
		Extension: ext,
		Size:      int64(len(params.Content)),
		CreatedAt: now,
	}
	if params.ExpiresAt != nil {
		exp := params.ExpiresAt.UTC()
		paste.ExpiresAt = &exp
	}

	if p.policy.Choose(len(params.Content)) == domain.TierOffloaded {
		putCtx, cancel := p.storeCtx(ctx)
		ref, err := p.blobs.Put(putCtx, params.Content)
		cancel()
		if err != nil {
			return nil, errors.Wrap(err, "put blob")
		}
		paste.Content = domain.Offloaded{Ref: ref}
	} else {
		paste.Content = domain.Inline{Body: params.Content}
	}

	if err := p.insertWithFreshID(ctx, paste); err != nil {
		if off, ok := paste.Content.(domain.Offloaded); ok {
			p.discardBlob(off.Ref)
		}
		return nil, err
	}
	metrics.PasteCreated.WithLabelValues(paste.Tier().String()).Inc()
	util.Info().
		Str("paste_id", paste.ID).
		Str("tier", paste.Tier().String()).
		Int64("size", paste.Size).
		Msg("paste created")
	return paste, nil
}

// insertWithFreshID draws ids until the store accepts one. The store's primary
// key is the only authority on whether an id is taken.
func (p *Paste) insertWithFreshID(ctx context.Context, paste *domain.Paste) error {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		id, err := p.ids.Allocate()
		if err != nil {
			return errors.Wrap(err, "allocate id")
		}
		paste.ID = id
		insCtx, cancel := p.storeCtx(ctx)
		err = p.store.Insert(insCtx, paste)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrDuplicateID) {
			return errors.Wrap(err, "insert paste")
		}
		metrics.IDCollisions.Inc()
		util.Debug().Str("paste_id", id).Int("attempt", attempt).Msg("id collision, redrawing")
	}
	util.Error().Int("attempts", p.maxAttempts).Msg("id space exhausted, giving up")
	return domain.ErrIDGenerationFailed
}

// discardBlob is best effort; it runs detached from the caller's context so a
// cancelled create still tries to clean up.
func (p *Paste) discardBlob(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.storeTimeout)
	defer cancel()
	if err := p.blobs.Delete(ctx, ref); err != nil && err != blob.ErrObjectNotFound {
		util.Warn().Err(err).Msg("failed to discard blob of failed create")
	}
}

// Read accepts "id" or "id.ext" and returns the record with its content.
func (p *Paste) Read(ctx context.Context, rawID string) (*domain.Paste, []byte, error) {
	if err := p.begin(); err != nil {
		return nil, nil, err
	}
	defer p.opWg.Done()
	id, _ := domain.SplitID(rawID)
	if id == "" {
		return nil, nil, domain.ErrPasteNotFound
	}
	getCtx, cancel := p.storeCtx(ctx)
	defer cancel()
	paste, err := p.store.Get(getCtx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, nil, domain.ErrPasteNotFound
		}
		return nil, nil, errors.Wrap(err, "get paste")
	}
	data, err := p.policy.Resolve(getCtx, paste)
	if err != nil {
		return nil, nil, err
	}
	metrics.PasteRetrieved.WithLabelValues(paste.Tier().String()).Inc()
	return paste, data, nil
}

// Delete removes the blob before the record. If the blob cannot be removed the
// record stays, so the paste remains whole and the delete can be retried.
func (p *Paste) Delete(ctx context.Context, rawID string) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.opWg.Done()
	id, _ := domain.SplitID(rawID)
	if id == "" {
		return domain.ErrPasteNotFound
	}
	opCtx, cancel := p.storeCtx(ctx)
	defer cancel()
	paste, err := p.store.Get(opCtx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return domain.ErrPasteNotFound
		}
		return errors.Wrap(err, "get paste")
	}
	if err := reclaim(opCtx, p.store, p.blobs, paste); err != nil {
		if errors.Is(err, errBlobDelete) {
			util.Error().Err(err).Str("paste_id", id).Msg("partial delete: blob removal failed, record kept")
			return domain.ErrPartialDelete
		}
		return err
	}
	metrics.PasteDeleted.Inc()
	util.Info().Str("paste_id", id).Msg("paste deleted")
	return nil
}

var errBlobDelete = errors.New("blob delete failed")

// reclaim deletes a paste from both tiers, blob first. A missing blob or
// record counts as already reclaimed, except that a record vanishing under a
// foreground delete is reported as not found.
func reclaim(ctx context.Context, store db.Store, blobs blob.Store, paste *domain.Paste) error {
	if off, ok := paste.Content.(domain.Offloaded); ok {
		if err := blobs.Delete(ctx, off.Ref); err != nil && err != blob.ErrObjectNotFound {
			return errors.Wrapf(errBlobDelete, "%v", err)
		}
	}
	if err := store.Delete(ctx, paste.ID); err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return domain.ErrPasteNotFound
		}
		return errors.Wrap(err, "delete record")
	}
	return nil
}
