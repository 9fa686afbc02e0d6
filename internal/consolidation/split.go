package consolidation

import (
	"github.com/veille-labs/courant/pkg/similarity"
)

// splitMinMembers is the smallest cluster worth splitting; below this a
// low cohesion reading is noise.
const splitMinMembers = 4

// splitLowCohesion partitions a cluster's members with a single k-means
// round, k=2: the two least similar members seed the halves, every member
// joins the closer seed. Returns nil when no split is warranted or when
// one half would be empty.
func splitLowCohesion(n *node, cohesionFloor float64) (keep, move []int64) {
	if cohesionFloor <= 0 || len(n.members) < splitMinMembers {
		return nil, nil
	}

	vecs := make([][]float32, 0, len(n.members))
	ids := make([]int64, 0, len(n.members))
	for _, id := range n.members {
		if v, ok := n.vectors[id]; ok {
			vecs = append(vecs, v)
			ids = append(ids, id)
		}
	}
	if len(vecs) < splitMinMembers {
		return nil, nil
	}
	if similarity.Cohesion(vecs) >= cohesionFloor {
		return nil, nil
	}

	// Seeds: the least similar pair.
	seedA, seedB := 0, 1
	lowest := similarity.Cosine(vecs[0], vecs[1])
	for i := 0; i < len(vecs); i++ {
		for j := i + 1; j < len(vecs); j++ {
			if s := similarity.Cosine(vecs[i], vecs[j]); s < lowest {
				lowest = s
				seedA, seedB = i, j
			}
		}
	}

	for i, id := range ids {
		if similarity.Cosine(vecs[i], vecs[seedA]) >= similarity.Cosine(vecs[i], vecs[seedB]) {
			keep = append(keep, id)
		} else {
			move = append(move, id)
		}
	}
	if len(keep) == 0 || len(move) == 0 {
		return nil, nil
	}
	return keep, move
}
