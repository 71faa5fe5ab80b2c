package svc

import (
	"context"
	"stashbin/metrics"
	"stashbin/pkg/domain"
	"stashbin/svc/blob"
	"stashbin/svc/db"
	"stashbin/svc/util"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type SweepState int32

const (
	Idle SweepState = iota
	Sweeping
)

func (s SweepState) String() string {
	if s == Sweeping {
		return "sweeping"
	}
	return "idle"
}

const DefaultSweepBatch = 500

type SweepResult struct {
	Found     int
	Reclaimed int
	Failed    int
}

// Sweeper periodically reclaims expired pastes from both tiers. It shares no
// lock with foreground operations.
type Sweeper struct {
	store        db.Store
	blobs        blob.Store
	interval     time.Duration
	concurrency  int
	batchSize    int
	storeTimeout time.Duration
	state        atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(store db.Store, blobs blob.Store, interval time.Duration, concurrency int, storeTimeout time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Sweeper{
		store:        store,
		blobs:        blobs,
		interval:     interval,
		concurrency:  concurrency,
		batchSize:    DefaultSweepBatch,
		storeTimeout: storeTimeout,
	}
}

// WithBatchSize sets how many expired records one listing call may return.
func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}
func (s *Sweeper) State() SweepState {
	return SweepState(s.state.Load())
}

// Start runs the sweep loop in the background until ctx is cancelled or Stop
// is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("sweeper already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for an in-progress pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}
func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("sweeper panicked")
		}
	}()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	util.Info().Dur("interval", s.interval).Int("concurrency", s.concurrency).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().Msg("sweeper shutting down")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: page through everything expired as of the start of
// the pass and reclaim it. A failure on one paste is logged and left for the
// next pass; the cursor moves past it either way.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	requestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, requestID)
	s.state.Store(int32(Sweeping))
	defer s.state.Store(int32(Idle))
	metrics.SweepCycles.Inc()

	var (
		res               SweepResult
		reclaimed, failed atomic.Int32
	)
	asOf := time.Now().UTC()
	after := ""
	for ctx.Err() == nil {
		listCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		page, err := s.store.ListExpired(listCtx, asOf, after, s.batchSize)
		cancel()
		if err != nil {
			util.Error().Err(err).Str("request_id", requestID).Msg("sweep: list expired failed")
			break
		}
		res.Found += len(page)
		s.reclaimPage(ctx, requestID, page, &reclaimed, &failed)
		if len(page) < s.batchSize {
			break
		}
		after = page[len(page)-1].ID
	}
	if res.Found == 0 {
		return res
	}

	res.Reclaimed = int(reclaimed.Load())
	res.Failed = int(failed.Load())
	metrics.SweepReclaimed.Add(float64(res.Reclaimed))
	metrics.SweepFailures.Add(float64(res.Failed))
	util.Info().
		Str("request_id", requestID).
		Int("found", res.Found).
		Int("reclaimed", res.Reclaimed).
		Int("failed", res.Failed).
		Msg("sweep completed")
	return res
}
func (s *Sweeper) reclaimPage(ctx context.Context, requestID string, page []*domain.Paste, reclaimed, failed *atomic.Int32) {
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, paste := range page {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
			defer cancel()
			err := reclaim(opCtx, s.store, s.blobs, paste)
			if err != nil && !errors.Is(err, domain.ErrPasteNotFound) {
				failed.Add(1)
				util.Warn().
					Err(err).
					Str("request_id", requestID).
					Str("paste_id", paste.ID).
					Msg("sweep: reclaim failed, will retry next pass")
				return nil
			}
			reclaimed.Add(1)
			return nil
		})
	}
	g.Wait()
}
