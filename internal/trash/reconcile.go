package trash

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/chmdznr/blobdrive/internal/remote"
	"github.com/chmdznr/blobdrive/internal/store"
	"github.com/chmdznr/blobdrive/pkg/models"
)

// DefaultOrphanGrace is how old an unreferenced remote blob must be before
// the reconciler claims it. Uploads in progress are younger than this.
const DefaultOrphanGrace = 24 * time.Hour

var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bdrive_reconcile_runs_total",
		Help: "Reconciler passes.",
	})
	reconcileRefsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bdrive_reconcile_refs_total",
		Help: "Refs handled by the reconciler, by outcome.",
	}, []string{"outcome"})
	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bdrive_reconcile_duration_seconds",
		Help:    "Duration of reconciler passes.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ReconcileResult describes one reconciler pass.
type ReconcileResult struct {
	Skipped   bool
	StartedAt time.Time
	Duration  time.Duration

	Pending int // tombstones found in the ledger
	Revived int // tombstones dropped because a live row uses the ref again
	Orphans int // unreferenced remote blobs newly ledgered
	Deleted int // refs deleted remotely in this pass
	Failed  int // refs whose deletion failed again
	Err     error
}

// Reconciler retries owed remote deletions and claims orphaned blobs.
type Reconciler struct {
	st       *store.Store
	gw       remote.Gateway
	ledger   Ledger
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu         sync.Mutex
	inProgress bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithOrphanGrace overrides DefaultOrphanGrace.
func WithOrphanGrace(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.grace = d }
}

// WithReconcilerClock replaces time.Now.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler builds a Reconciler that runs every interval once started.
func NewReconciler(st *store.Store, gw remote.Gateway, ledger Ledger, interval time.Duration, logger zerolog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		st:       st,
		gw:       gw,
		ledger:   ledger,
		interval: interval,
		grace:    DefaultOrphanGrace,
		now:      time.Now,
		logger:   logger.With().Str("component", "reconcile").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the periodic loop.
func (r *Reconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(runCtx)

	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")
}

// Stop ends the loop and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info().Msg("reconciler stopped")
}

// IsInProgress reports whether a pass is running.
func (r *Reconciler) IsInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass. A pass already running makes this one return
// immediately with Skipped set.
func (r *Reconciler) RunOnce(ctx context.Context) *ReconcileResult {
	r.mu.Lock()
	if r.inProgress {
		r.mu.Unlock()
		r.logger.Warn().Msg("reconcile already running, skipping")
		return &ReconcileResult{Skipped: true}
	}
	r.inProgress = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inProgress = false
		r.mu.Unlock()
	}()

	res := &ReconcileResult{StartedAt: r.now().UTC()}
	started := time.Now()
	res.Err = r.reconcile(ctx, res)
	res.Duration = time.Since(started)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(res.Duration.Seconds())
	reconcileRefsTotal.WithLabelValues("revived").Add(float64(res.Revived))
	reconcileRefsTotal.WithLabelValues("orphan").Add(float64(res.Orphans))
	reconcileRefsTotal.WithLabelValues("deleted").Add(float64(res.Deleted))
	reconcileRefsTotal.WithLabelValues("failed").Add(float64(res.Failed))

	ev := r.logger.Info()
	if res.Err != nil {
		ev = r.logger.Warn().Err(res.Err)
	}
	ev.Int("pending", res.Pending).
		Int("revived", res.Revived).
		Int("orphans", res.Orphans).
		Int("deleted", res.Deleted).
		Int("failed", res.Failed).
		Dur("took", res.Duration).
		Msg("reconcile finished")
	return res
}

func (r *Reconciler) reconcile(ctx context.Context, res *ReconcileResult) error {
	if r.ledger == nil {
		return nil
	}

	stones, err := r.ledger.PendingTombstones()
	if err != nil {
		return err
	}
	res.Pending = len(stones)

	live := r.st.RemoteRefs()
	pending := make(map[string]bool, len(stones))
	var retry, revived []string
	for _, s := range stones {
		pending[s.RemoteRef] = true
		if _, used := live[s.RemoteRef]; used {
			revived = append(revived, s.RemoteRef)
			continue
		}
		retry = append(retry, s.RemoteRef)
	}
	if err := r.ledger.MarkTombstonesDone(revived); err != nil {
		return err
	}
	res.Revived = len(revived)

	orphans, err := r.findOrphans(ctx, live, pending)
	if err != nil {
		r.logger.Warn().Err(err).Msg("orphan scan failed")
	} else if len(orphans) > 0 {
		if err := r.ledger.AddTombstones(orphans); err != nil {
			return err
		}
		for _, o := range orphans {
			retry = append(retry, o.RemoteRef)
		}
		res.Orphans = len(orphans)
	}

	if len(retry) == 0 {
		return nil
	}

	if err := r.gw.Ready(ctx); err != nil {
		res.Failed = len(retry)
		return r.ledger.MarkTombstonesFailed(retry, err)
	}
	if err := r.gw.DeleteRecords(ctx, retry); err != nil {
		res.Failed = len(retry)
		if markErr := r.ledger.MarkTombstonesFailed(retry, err); markErr != nil {
			return markErr
		}
		return err
	}
	res.Deleted = len(retry)
	return r.ledger.MarkTombstonesDone(retry)
}

// findOrphans lists remote refs that no row and no tombstone accounts for.
func (r *Reconciler) findOrphans(ctx context.Context, live map[string]struct{}, pending map[string]bool) ([]models.Tombstone, error) {
	lister, ok := r.gw.(remote.Lister)
	if !ok {
		return nil, nil
	}
	refs, err := lister.ListRefs(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := r.now().Add(-r.grace)
	var orphans []models.Tombstone
	for _, ref := range refs {
		if _, used := live[ref.Ref]; used || pending[ref.Ref] {
			continue
		}
		if ref.ModTime.After(cutoff) {
			continue
		}
		reason := "orphan"
		if !ref.Registered {
			reason = "aborted upload"
		}
		orphans = append(orphans, models.Tombstone{RemoteRef: ref.Ref, Reason: reason})
	}
	return orphans, nil
}
