package metrics

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/storage"
)

const (
	// neutralDefault is used for ratio metrics when a reviewer has no
	// history yet: a brand-new reviewer is neither trusted nor distrusted.
	neutralDefault = 0.5

	// penaltyNormalizationCap is the penalty total treated as "fully
	// penalized" when normalizing to [0,1]. Matches the classifier's hard
	// Bad threshold.
	penaltyNormalizationCap = 20.0
)

// Options tunes metric normalization and query retry behavior
type Options struct {
	ReviewCountCap int           // Volume metric cap (e.g. 50)
	MaxScore       float64       // Peer score upper bound, normalizes deviations
	QueryRetries   uint64        // Bounded retry attempts per query
	RetryInterval  time.Duration // Initial backoff interval
}

// Aggregator computes reviewer behavioral metrics from the set-based
// counters the store maintains. Read-only; safe to run concurrently.
type Aggregator struct {
	store *storage.Store
	opts  Options
}

// NewAggregator creates a metrics aggregator
func NewAggregator(store *storage.Store, opts Options) *Aggregator {
	if opts.ReviewCountCap <= 0 {
		opts.ReviewCountCap = 50
	}
	if opts.MaxScore <= 0 {
		opts.MaxScore = 250
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	return &Aggregator{store: store, opts: opts}
}

// ComputeMetrics builds a reviewer's metrics snapshot as of now. The three
// aggregate reads (activity, accuracy, penalties) run concurrently and each
// is retried with bounded exponential backoff. Missing history yields
// neutral defaults, never an error.
func (a *Aggregator) ComputeMetrics(ctx context.Context, reviewerID string) (*models.ReviewerMetricsSnapshot, error) {
	var (
		activity  map[string]string
		accuracy  map[string]string
		penalties float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.retry(gctx, func() error {
			var err error
			activity, err = a.store.ReadReviewerActivity(gctx, reviewerID)
			return err
		})
	})
	g.Go(func() error {
		return a.retry(gctx, func() error {
			var err error
			accuracy, err = a.store.ReadReviewerAccuracy(gctx, reviewerID)
			return err
		})
	})
	g.Go(func() error {
		return a.retry(gctx, func() error {
			var err error
			penalties, err = a.store.ReadReviewerPenalties(gctx, reviewerID)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snapshot := a.normalize(reviewerID, activity, accuracy, penalties)
	log.Debugf("Computed metrics for reviewer %s: timeliness=%.2f accuracy=%.2f volume=%.2f missed=%.2f",
		reviewerID, snapshot.Timeliness, snapshot.Accuracy, snapshot.Volume, snapshot.MissedRatio)
	return snapshot, nil
}

// retry runs op with bounded exponential backoff. Transient storage errors
// are retried a small fixed number of times, never indefinitely.
func (a *Aggregator) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.opts.RetryInterval
	bo.MaxElapsedTime = 0 // bounded by retry count, not wall clock
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, a.opts.QueryRetries), ctx))
}

// normalize maps raw counters to [0,1] sub-metrics
func (a *Aggregator) normalize(reviewerID string, activity, accuracy map[string]string, penalties float64) *models.ReviewerMetricsSnapshot {
	total := counter(activity, "reviews_total")
	onTime := counter(activity, "reviews_on_time")
	late := counter(activity, "reviews_late")
	assigned := counter(activity, "assignments_total")
	missed := counter(activity, "assignments_missed")
	qualitySum := counter(activity, "quality_sum")
	qualityCount := counter(activity, "quality_count")
	scoreSum := floatCounter(activity, "score_sum")
	scoreSqSum := floatCounter(activity, "score_sq_sum")

	devSum := floatCounter(accuracy, "deviation_sum")
	devCount := counter(accuracy, "deviation_count")
	validated := counter(accuracy, "votes_validated")
	invalidated := counter(accuracy, "votes_invalidated")

	s := &models.ReviewerMetricsSnapshot{
		ReviewerID:   reviewerID,
		AsOf:         time.Now().UTC(),
		ReviewCount:  int(total),
		PenaltyTotal: penalties,
		Penalty:      clamp01(penalties / penaltyNormalizationCap),
	}

	// Ratio metrics with neutral defaults for empty history
	if total > 0 {
		s.Timeliness = clamp01(float64(onTime) / float64(total))
		s.LateRatio = clamp01(float64(late) / float64(total))
	} else {
		s.Timeliness = neutralDefault
		s.LateRatio = 0
	}

	if qualityCount > 0 {
		// Self-ratings are 1-5; rescale to [0,1]
		mean := float64(qualitySum) / float64(qualityCount)
		s.QualityMean = clamp01((mean - 1) / 4)
	} else {
		s.QualityMean = neutralDefault
	}

	if devCount > 0 {
		avgDev := devSum / float64(devCount)
		s.Accuracy = clamp01(1 - avgDev/a.opts.MaxScore)
	} else {
		s.Accuracy = neutralDefault
	}

	if validated+invalidated > 0 {
		s.VoteValidation = clamp01(float64(validated) / float64(validated+invalidated))
	} else {
		s.VoteValidation = neutralDefault
	}

	capped := total
	if capped > int64(a.opts.ReviewCountCap) {
		capped = int64(a.opts.ReviewCountCap)
	}
	s.Volume = clamp01(float64(capped) / float64(a.opts.ReviewCountCap))

	if assigned > 0 {
		s.MissedRatio = clamp01(float64(missed) / float64(assigned))
	}

	if total > 1 {
		mean := scoreSum / float64(total)
		variance := scoreSqSum/float64(total) - mean*mean
		if variance < 0 {
			variance = 0
		}
		// Half the score range is the widest plausible stddev
		s.ScoreConsistency = clamp01(1 - math.Sqrt(variance)/(a.opts.MaxScore/2))
	} else {
		s.ScoreConsistency = neutralDefault
	}

	return s
}

func counter(fields map[string]string, name string) int64 {
	if v, ok := fields[name]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func floatCounter(fields map[string]string, name string) float64 {
	if v, ok := fields[name]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
