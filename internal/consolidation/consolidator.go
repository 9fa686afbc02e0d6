package consolidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	dbgorm "github.com/veille-labs/courant/internal/db/gorm"
	"github.com/veille-labs/courant/internal/telemetry"
	"github.com/veille-labs/courant/internal/vector"
	"github.com/veille-labs/courant/pkg/models"
	"github.com/veille-labs/courant/pkg/similarity"
)

// centroidWorkers bounds the parallel centroid computations per pass.
const centroidWorkers = 4

// Consolidator merges and splits a run's clusters on a fixed cadence.
// It may run concurrently with the assigner: a document assigned to a
// cluster mid-merge is picked up on the next pass.
type Consolidator struct {
	runs     *dbgorm.RunStore
	clusters *dbgorm.ClusterStore
	index    vector.Index
	metrics  *telemetry.Metrics

	// locks holds the per-run execution locks. A pass that finds the
	// lock taken reports ErrConsolidationConflict instead of queueing.
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a consolidator.
func New(runs *dbgorm.RunStore, clusters *dbgorm.ClusterStore, index vector.Index, metrics *telemetry.Metrics) *Consolidator {
	return &Consolidator{
		runs:     runs,
		clusters: clusters,
		index:    index,
		metrics:  metrics,
		locks:    make(map[int64]*sync.Mutex),
	}
}

func (c *Consolidator) lock(runID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[runID] = l
	}
	return l
}

// Run executes one consolidation pass over the run's recent clusters.
// Returns ErrConsolidationConflict when a pass for the same run is
// already executing.
func (c *Consolidator) Run(ctx context.Context, runID int64) error {
	l := c.lock(runID)
	if !l.TryLock() {
		return fmt.Errorf("%w: run %d", models.ErrConsolidationConflict, runID)
	}
	defer l.Unlock()

	run, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	// Cooperative cancellation: a failed run gets no further passes.
	if run.Status == models.RunStatusFailed {
		return fmt.Errorf("%w: run %d has failed", models.ErrInvalidState, runID)
	}

	maintenanceStart := time.Now().UnixMilli() - int64(run.Params.WindowHours)*time.Hour.Milliseconds()
	clusters, err := c.clusters.ClustersForRun(ctx, runID, maintenanceStart)
	if err != nil {
		return err
	}
	if len(clusters) == 0 {
		return nil
	}

	nodes, err := c.loadNodes(ctx, run, clusters)
	if err != nil {
		return err
	}

	merged, err := c.applyMerges(ctx, run, nodes)
	if err != nil {
		return err
	}

	split, err := c.applySplits(ctx, run, nodes, merged)
	if err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.ConsolidationRuns.Add(ctx, 1)
		c.metrics.ClustersMerged.Add(ctx, int64(len(merged)))
	}
	log.Info().
		Int64("runId", runID).
		Int("clusters", len(clusters)).
		Int("merged", len(merged)).
		Int("split", split).
		Msg("Consolidation pass complete")
	return nil
}

// loadNodes builds graph nodes with members, vectors and centroids.
// Centroid computation is parallelized; member loading stays sequential
// on the shared connection.
func (c *Consolidator) loadNodes(ctx context.Context, run *models.ClusterRun, clusters []models.Cluster) ([]*node, error) {
	nodes := make([]*node, 0, len(clusters))
	for i := range clusters {
		assignments, err := c.clusters.AssignmentsForCluster(ctx, run.ID, clusters[i].ID)
		if err != nil {
			return nil, err
		}
		if len(assignments) == 0 {
			continue
		}
		members := make([]int64, len(assignments))
		for j, a := range assignments {
			members[j] = a.DocumentID
		}
		var vectors map[int64][]float32
		err = vector.WithRetry(ctx, func() error {
			var verr error
			vectors, verr = c.index.Vectors(ctx, run.SpaceID, members)
			return verr
		})
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, &node{cluster: clusters[i], members: members, vectors: vectors})
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(centroidWorkers)
	for _, n := range nodes {
		g.Go(func() error {
			vecs := make([][]float32, 0, len(n.vectors))
			for _, v := range n.vectors {
				vecs = append(vecs, v)
			}
			n.centroid = similarity.Centroid(vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// applyMerges unions clusters whose centroids pass the merge threshold
// and moves every document of a component into its canonical cluster.
// Returns the set of clusters merged away.
func (c *Consolidator) applyMerges(ctx context.Context, run *models.ClusterRun, nodes []*node) (map[int64]bool, error) {
	byID := make(map[int64]*node, len(nodes))
	for _, n := range nodes {
		byID[n.cluster.ID] = n
	}

	merged := make(map[int64]bool)
	for _, component := range buildComponents(nodes, run.Params.MergeThreshold) {
		if len(component) < 2 {
			continue
		}
		target := canonical(component, byID)

		moves := make(map[int64]int64)
		windowStart, windowEnd := target.cluster.WindowStart, target.cluster.WindowEnd
		for _, id := range component {
			if id == target.cluster.ID {
				continue
			}
			n := byID[id]
			for _, docID := range n.members {
				moves[docID] = target.cluster.ID
			}
			if n.cluster.WindowStart < windowStart {
				windowStart = n.cluster.WindowStart
			}
			if n.cluster.WindowEnd > windowEnd {
				windowEnd = n.cluster.WindowEnd
			}
			merged[id] = true
		}

		if err := c.clusters.Supersede(ctx, run.ID, moves, 0); err != nil {
			return nil, err
		}
		if err := c.clusters.WidenWindow(ctx, target.cluster.ID, windowStart); err != nil {
			return nil, err
		}
		if err := c.clusters.WidenWindow(ctx, target.cluster.ID, windowEnd); err != nil {
			return nil, err
		}
		log.Debug().
			Int64("runId", run.ID).
			Int64("canonicalCluster", target.cluster.ID).
			Int("absorbed", len(component)-1).
			Int("documentsMoved", len(moves)).
			Msg("Merged cluster component")
	}
	return merged, nil
}

// applySplits breaks up surviving clusters whose internal cohesion fell
// below the configured floor. Returns the number of splits performed.
func (c *Consolidator) applySplits(ctx context.Context, run *models.ClusterRun, nodes []*node, merged map[int64]bool) (int, error) {
	splits := 0
	for _, n := range nodes {
		if merged[n.cluster.ID] {
			continue
		}
		_, move := splitLowCohesion(n, run.Params.CohesionFloor)
		if len(move) == 0 {
			continue
		}

		fresh, err := c.clusters.CreateCluster(ctx, run.ID, "", n.cluster.WindowStart)
		if err != nil {
			return splits, err
		}
		moves := make(map[int64]int64, len(move))
		for _, docID := range move {
			moves[docID] = fresh.ID
		}
		if err := c.clusters.Supersede(ctx, run.ID, moves, 0); err != nil {
			return splits, err
		}
		splits++
		log.Debug().
			Int64("runId", run.ID).
			Int64("clusterId", n.cluster.ID).
			Int64("newClusterId", fresh.ID).
			Int("documentsMoved", len(move)).
			Msg("Split low-cohesion cluster")
	}
	return splits, nil
}
