package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/veille-labs/courant/internal/config"
	dbgorm "github.com/veille-labs/courant/internal/db/gorm"
	"github.com/veille-labs/courant/internal/telemetry"
	"github.com/veille-labs/courant/internal/vector"
	"github.com/veille-labs/courant/pkg/models"
	"github.com/veille-labs/courant/pkg/similarity"
)

// dedupeWindow is the span over which repeat detections of the same
// cluster collapse into one event short of an escalation.
const dedupeWindow = 30 * time.Minute

// Detector scores the latest trend sample of each cluster, corroborates
// local detections across sources, fuses duplicates, and emits events
// at most once per (cluster, window) short of an escalation.
type Detector struct {
	runs     *dbgorm.RunStore
	clusters *dbgorm.ClusterStore
	trends   *dbgorm.TrendStore
	docs     *dbgorm.DocumentStore
	events   *dbgorm.EventStore
	index    vector.Index
	pub      Publisher
	metrics  *telemetry.Metrics
	cfg      config.DetectorConfig
	bucket   time.Duration
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewDetector creates a detector. A nil publisher disables live
// delivery; events are still persisted.
func NewDetector(
	runs *dbgorm.RunStore,
	clusters *dbgorm.ClusterStore,
	trends *dbgorm.TrendStore,
	docs *dbgorm.DocumentStore,
	events *dbgorm.EventStore,
	index vector.Index,
	pub Publisher,
	metrics *telemetry.Metrics,
	cfg config.DetectorConfig,
	bucket time.Duration,
) *Detector {
	if bucket <= 0 {
		bucket = 5 * time.Minute
	}
	limit := rate.Inf
	burst := 1
	if cfg.PublishRate > 0 {
		limit = rate.Limit(cfg.PublishRate)
		if int(cfg.PublishRate) > 1 {
			burst = int(cfg.PublishRate)
		}
	}
	return &Detector{
		runs:     runs,
		clusters: clusters,
		trends:   trends,
		docs:     docs,
		events:   events,
		index:    index,
		pub:      pub,
		metrics:  metrics,
		cfg:      cfg,
		bucket:   bucket,
		limiter:  rate.NewLimiter(limit, burst),
		now:      time.Now,
	}
}

// Detect runs one detection pass over the run's fresh trend samples and
// returns the events it emitted. Re-running over unchanged samples
// emits nothing.
func (d *Detector) Detect(ctx context.Context, runID int64) ([]models.Event, error) {
	run, err := d.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == models.RunStatusFailed {
		return nil, fmt.Errorf("%w: run %d has failed", models.ErrInvalidState, runID)
	}

	now := d.now().UnixMilli()
	sinceTs := now - 3*d.bucket.Milliseconds()
	samples, err := d.trends.LatestSamples(ctx, runID, sinceTs)
	if err != nil {
		return nil, err
	}

	var cands []*candidate
	for i := range samples {
		c, err := d.evaluate(ctx, run, &samples[i])
		if err != nil {
			return nil, err
		}
		if c != nil {
			cands = append(cands, c)
		}
	}
	cands = fuse(cands)

	var emitted []models.Event
	for _, c := range cands {
		ev, err := d.emit(ctx, c, now)
		if err != nil {
			return emitted, err
		}
		if ev != nil {
			emitted = append(emitted, *ev)
		}
	}
	if len(emitted) > 0 {
		log.Info().
			Int64("run_id", runID).
			Int("candidates", len(cands)).
			Int("emitted", len(emitted)).
			Msg("detection pass emitted events")
	}
	return emitted, nil
}

// evaluate scores one sample against the thresholds and returns a
// fusion candidate, or nil when the cluster does not qualify.
func (d *Detector) evaluate(ctx context.Context, run *models.ClusterRun, sample *models.TrendSample) (*candidate, error) {
	if sample.DocCount < d.cfg.MinDocCount {
		return nil, nil
	}
	score := d.score(sample)
	if score < d.cfg.LocalThreshold {
		return nil, nil
	}
	if score < d.cfg.GlobalThreshold {
		ok, err := d.corroborated(ctx, run.ID, sample.ClusterID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
	}

	cl, err := d.clusters.GetCluster(ctx, sample.ClusterID)
	if err != nil {
		return nil, err
	}
	members, err := d.trends.Members(ctx, run.ID, sample.ClusterID)
	if err != nil {
		return nil, err
	}
	areas := make(map[int64]struct{})
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.DocumentID)
		if m.AreaID != 0 {
			areas[m.AreaID] = struct{}{}
		}
	}
	var vecs map[int64][]float32
	err = vector.WithRetry(ctx, func() error {
		var verr error
		vecs, verr = d.index.Vectors(ctx, run.SpaceID, ids)
		return verr
	})
	if err != nil {
		return nil, err
	}
	all := make([][]float32, 0, len(vecs))
	for _, v := range vecs {
		all = append(all, v)
	}
	return &candidate{
		sample:   *sample,
		cluster:  cl,
		score:    score,
		areas:    areas,
		centroid: similarity.Centroid(all),
	}, nil
}

// score is the composite weighted burst score.
func (d *Detector) score(s *models.TrendSample) float64 {
	w := d.cfg.Weights
	return w.Volume*float64(s.DocCount) +
		w.Velocity*s.Velocity +
		w.Acceleration*s.Acceleration +
		w.Novelty*s.Novelty +
		w.Diversity*float64(s.UniqueSources) +
		w.Locality*s.Locality
}

// corroborated reports whether the relaxed local threshold applies:
// enough distinct local sources plus at least one high-trust source.
func (d *Detector) corroborated(ctx context.Context, runID, clusterID int64) (bool, error) {
	sources, err := d.docs.SourcesForCluster(ctx, runID, clusterID)
	if err != nil {
		return false, err
	}
	local := 0
	highTrust := false
	for _, src := range sources {
		if src.Scope == models.ScopeLocal {
			local++
		}
		if src.TrustTier.HighTrust() {
			highTrust = true
		}
	}
	return local >= d.cfg.LocalMinSources && highTrust, nil
}

// emit persists and publishes one event for the candidate unless the
// (cluster, window) identity already fired without an escalation. The
// dedupe window is detection-time aligned; the cluster's own window
// start moves backward when older documents join and would hand an
// ongoing burst a fresh identity.
func (d *Detector) emit(ctx context.Context, c *candidate, now int64) (*models.Event, error) {
	windowMs := dedupeWindow.Milliseconds()
	key := models.EventDedupeKey(c.cluster.ID, now-now%windowMs)
	last, err := d.events.LatestByDedupeKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if last != nil && c.score <= last.Score+d.cfg.EscalationMargin {
		log.Debug().
			Str("dedupe_key", key).
			Float64("score", c.score).
			Float64("previous", last.Score).
			Msg("detection suppressed by dedupe")
		return nil, nil
	}

	ev := &models.Event{
		UID:             uuid.NewString(),
		RunID:           c.sample.RunID,
		ClusterID:       c.cluster.ID,
		DetectedAtEpoch: now,
		Score:           c.score,
		Severity:        d.severityOf(c.score),
		Label:           trendLabel(c.sample.Velocity),
		WindowStart:     c.cluster.WindowStart,
		WindowEnd:       c.cluster.WindowEnd,
		DedupeKey:       key,
	}
	if err := d.events.Insert(ctx, ev); err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.EventsEmitted.Add(ctx, 1)
	}
	log.Info().
		Str("uid", ev.UID).
		Int64("cluster_id", ev.ClusterID).
		Float64("score", ev.Score).
		Str("severity", string(ev.Severity)).
		Bool("escalation", last != nil).
		Msg("event emitted")

	if d.pub != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return ev, nil
		}
		if err := d.pub.Publish(ctx, ev); err != nil {
			// The row is committed; losing the live notification is
			// recoverable through the cursor replay.
			log.Warn().Err(err).Str("uid", ev.UID).Msg("event publish failed")
		}
	}
	return ev, nil
}

func (d *Detector) severityOf(score float64) models.Severity {
	switch {
	case score >= d.cfg.CriticalBand:
		return models.SeverityCritical
	case score >= d.cfg.HighBand:
		return models.SeverityHigh
	case score >= d.cfg.MediumBand:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func trendLabel(velocity float64) string {
	if velocity < 0 {
		velocity = 0
	}
	return fmt.Sprintf("Trending: %.0f docs/h", velocity)
}
