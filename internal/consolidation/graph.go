package consolidation

import (
	"github.com/veille-labs/courant/pkg/models"
	"github.com/veille-labs/courant/pkg/similarity"
)

// node is one cluster in the consolidation graph.
type node struct {
	cluster  models.Cluster
	centroid []float32
	members  []int64               // document ids, current assignments only
	vectors  map[int64][]float32   // member embeddings
}

// buildComponents connects cluster pairs whose centroid cosine similarity
// reaches mergeThreshold and returns the connected components.
func buildComponents(nodes []*node, mergeThreshold float64) map[int64][]int64 {
	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.cluster.ID
	}
	uf := newUnionFind(ids)

	for i := 0; i < len(nodes); i++ {
		if nodes[i].centroid == nil {
			continue
		}
		for j := i + 1; j < len(nodes); j++ {
			if nodes[j].centroid == nil {
				continue
			}
			if similarity.Cosine(nodes[i].centroid, nodes[j].centroid) >= mergeThreshold {
				uf.union(nodes[i].cluster.ID, nodes[j].cluster.ID)
			}
		}
	}
	return uf.components()
}

// canonical picks the surviving cluster of a component: earliest created,
// then lowest id. Its id and label stay.
func canonical(component []int64, byID map[int64]*node) *node {
	var best *node
	for _, id := range component {
		n := byID[id]
		if best == nil ||
			n.cluster.CreatedAtEpoch < best.cluster.CreatedAtEpoch ||
			(n.cluster.CreatedAtEpoch == best.cluster.CreatedAtEpoch && n.cluster.ID < best.cluster.ID) {
			best = n
		}
	}
	return best
}
