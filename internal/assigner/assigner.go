// Package assigner implements incremental cluster assignment: each new
// embedded document either joins the dominant nearby cluster of the
// active run or seeds a new one.
package assigner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	dbgorm "github.com/veille-labs/courant/internal/db/gorm"
	"github.com/veille-labs/courant/internal/telemetry"
	"github.com/veille-labs/courant/internal/vector"
	"github.com/veille-labs/courant/pkg/models"
)

// DefaultKNNTimeout bounds one similarity-index query. On expiry the
// assigner fails open and seeds a new cluster instead of stalling the
// pipeline; over-fragmentation is repaired by the next consolidation.
const DefaultKNNTimeout = 3 * time.Second

// Assigner assigns documents to clusters within the active run.
type Assigner struct {
	runs     runResolver
	clusters *dbgorm.ClusterStore
	docs     *dbgorm.DocumentStore
	index    vector.Index
	metrics  *telemetry.Metrics

	knnTimeout time.Duration

	// guards serializes the create-vs-assign decision per run. Only that
	// decision is exclusive; the surrounding assignment work is not.
	mu     sync.Mutex
	guards map[int64]*sync.Mutex
}

// runResolver is the slice of the run manager the assigner needs.
type runResolver interface {
	ActiveRun(ctx context.Context, spaceID int64) (*models.ClusterRun, error)
}

// New creates an assigner.
func New(runs runResolver, clusters *dbgorm.ClusterStore, docs *dbgorm.DocumentStore, index vector.Index, metrics *telemetry.Metrics) *Assigner {
	return &Assigner{
		runs:       runs,
		clusters:   clusters,
		docs:       docs,
		index:      index,
		metrics:    metrics,
		knnTimeout: DefaultKNNTimeout,
		guards:     make(map[int64]*sync.Mutex),
	}
}

// SetKNNTimeout overrides the index latency budget.
func (a *Assigner) SetKNNTimeout(d time.Duration) { a.knnTimeout = d }

// guard returns the create-vs-assign mutex for a run.
func (a *Assigner) guard(runID int64) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.guards[runID]
	if !ok {
		g = &sync.Mutex{}
		a.guards[runID] = g
	}
	return g
}

// Assign processes one document under the given run snapshot. Returns
// ErrDuplicateAssignment when the (run, document) pair was already
// assigned and ErrRunNotActive when the snapshot went stale.
func (a *Assigner) Assign(ctx context.Context, run *models.ClusterRun, doc *models.Document) (*models.Assignment, error) {
	// Re-check the snapshot against the store: activation is linearizable,
	// so a stale snapshot must be surfaced, not silently written into.
	current, err := a.runs.ActiveRun(ctx, run.SpaceID)
	if err != nil {
		return nil, err
	}
	if current.ID != run.ID {
		return nil, fmt.Errorf("%w: run %d superseded by %d", models.ErrRunNotActive, run.ID, current.ID)
	}

	exists, err := a.clusters.HasAssignment(ctx, run.ID, doc.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, models.ErrDuplicateAssignment
	}

	if err := a.docs.UpsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	if err := a.index.Add(ctx, run.SpaceID, doc); err != nil {
		return nil, err
	}

	clusterID, similarity, created, err := a.decide(ctx, run, doc)
	if err != nil {
		return nil, err
	}

	assignment := &models.Assignment{
		RunID:      run.ID,
		ClusterID:  clusterID,
		DocumentID: doc.ID,
		Similarity: similarity,
	}
	if err := a.clusters.CreateAssignment(ctx, assignment); err != nil {
		return nil, err
	}
	if err := a.clusters.WidenWindow(ctx, clusterID, doc.PublishedEpoch); err != nil {
		return nil, err
	}

	if a.metrics != nil {
		a.metrics.Assignments.Add(ctx, 1)
		if created {
			a.metrics.ClustersCreated.Add(ctx, 1)
		}
	}
	log.Debug().
		Int64("documentId", doc.ID).
		Int64("runId", run.ID).
		Int64("clusterId", clusterID).
		Float64("similarity", similarity).
		Bool("newCluster", created).
		Msg("Document assigned")

	return assignment, nil
}

// decide picks the target cluster: the dominant nearby cluster when the
// similarity gate passes, a fresh cluster otherwise. Cluster creation is
// serialized per run so concurrent near-duplicate seeds converge.
func (a *Assigner) decide(ctx context.Context, run *models.ClusterRun, doc *models.Document) (clusterID int64, similarity float64, created bool, err error) {
	clusterID, similarity, err = a.dominantCluster(ctx, run, doc)
	if err != nil {
		if !models.IsTransientIndex(err) && !errors.Is(err, context.DeadlineExceeded) {
			return 0, 0, false, err
		}
		// Fail open: prefer over-fragmentation to stalling ingestion.
		log.Warn().
			Err(err).
			Int64("documentId", doc.ID).
			Msg("Similarity index unavailable, failing open to a new cluster")
		if a.metrics != nil {
			a.metrics.IndexFailOpenTotal.Add(ctx, 1)
		}
		clusterID = 0
	}
	if clusterID != 0 {
		return clusterID, similarity, false, nil
	}

	g := a.guard(run.ID)
	g.Lock()
	defer g.Unlock()

	// Another worker may have just created the cluster this document
	// belongs in; look once more before seeding. Same error policy as
	// the first look: transient failures fall through to seeding,
	// anything else fails closed.
	clusterID, similarity, err = a.dominantCluster(ctx, run, doc)
	if err != nil && !models.IsTransientIndex(err) && !errors.Is(err, context.DeadlineExceeded) {
		return 0, 0, false, err
	}
	if err == nil && clusterID != 0 {
		return clusterID, similarity, false, nil
	}

	cluster, err := a.clusters.CreateCluster(ctx, run.ID, "", doc.PublishedEpoch)
	if err != nil {
		return 0, 0, false, err
	}
	return cluster.ID, 1.0, true, nil
}

// dominantCluster queries k nearest neighbors in the assignment window
// and picks the cluster with the largest aggregate similarity mass.
// Returns 0 when no cluster qualifies.
func (a *Assigner) dominantCluster(ctx context.Context, run *models.ClusterRun, doc *models.Document) (int64, float64, error) {
	params := run.Params
	windowEnd := doc.PublishedEpoch + 1
	windowStart := doc.PublishedEpoch - int64(params.WindowHours)*time.Hour.Milliseconds()

	knnCtx, cancel := context.WithTimeout(ctx, a.knnTimeout)
	defer cancel()

	start := time.Now()
	neighbors, err := a.index.KNN(knnCtx, run.SpaceID, doc.Embedding, windowStart, windowEnd, params.KNN, doc.ID)
	if a.metrics != nil {
		a.metrics.KNNLatencySeconds.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return 0, 0, err
	}
	if len(neighbors) == 0 {
		return 0, 0, nil
	}

	maxSimilarity := neighbors[0].Similarity
	for _, n := range neighbors[1:] {
		if n.Similarity > maxSimilarity {
			maxSimilarity = n.Similarity
		}
	}
	if maxSimilarity < params.AssignThreshold {
		return 0, 0, nil
	}

	// Aggregate similarity mass per candidate cluster.
	mass := make(map[int64]float64)
	for _, n := range neighbors {
		cid, err := a.clusters.CurrentClusterOfDocument(ctx, run.ID, n.DocumentID)
		if err != nil {
			return 0, 0, err
		}
		if cid == 0 {
			continue
		}
		mass[cid] += n.Similarity
	}
	if len(mass) == 0 {
		return 0, 0, nil
	}

	best, err := a.pickDominant(ctx, mass)
	if err != nil {
		return 0, 0, err
	}
	return best, maxSimilarity, nil
}

// pickDominant returns the cluster with the highest mass; ties go to the
// earliest-created cluster (then lowest id) so the choice is stable.
func (a *Assigner) pickDominant(ctx context.Context, mass map[int64]float64) (int64, error) {
	var best int64
	var bestMass float64
	var bestCreated int64

	for cid, m := range mass {
		cluster, err := a.clusters.GetCluster(ctx, cid)
		if err != nil {
			return 0, err
		}
		switch {
		case best == 0,
			m > bestMass,
			m == bestMass && cluster.CreatedAtEpoch < bestCreated,
			m == bestMass && cluster.CreatedAtEpoch == bestCreated && cid < best:
			best = cid
			bestMass = m
			bestCreated = cluster.CreatedAtEpoch
		}
	}
	return best, nil
}
