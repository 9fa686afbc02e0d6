package events

import (
	"sort"

	"github.com/veille-labs/courant/pkg/models"
	"github.com/veille-labs/courant/pkg/similarity"
)

// Fusion thresholds. Two concurrently scoring clusters describing the
// same real-world burst collapse into one event before emission.
const (
	fusionGeoOverlap  = 0.9
	fusionCentroidSim = 0.9
)

// candidate is a cluster that crossed a detection threshold this pass.
type candidate struct {
	sample   models.TrendSample
	cluster  *models.Cluster
	score    float64
	areas    map[int64]struct{}
	centroid []float32
}

// fuse drops candidates that duplicate a higher-scoring one. Candidates
// fuse when their member areas overlap at least fusionGeoOverlap and
// their centroids agree at least fusionCentroidSim.
func fuse(cands []*candidate) []*candidate {
	if len(cands) < 2 {
		return cands
	}
	sorted := make([]*candidate, len(cands))
	copy(sorted, cands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })

	var kept []*candidate
	for _, c := range sorted {
		fused := false
		for _, k := range kept {
			if fusable(c, k) {
				fused = true
				break
			}
		}
		if !fused {
			kept = append(kept, c)
		}
	}
	return kept
}

func fusable(a, b *candidate) bool {
	if len(a.centroid) == 0 || len(b.centroid) == 0 {
		return false
	}
	if geoOverlap(a.areas, b.areas) < fusionGeoOverlap {
		return false
	}
	return similarity.Cosine(a.centroid, b.centroid) >= fusionCentroidSim
}

// geoOverlap is the overlap coefficient of two area sets. Untagged
// candidates never overlap.
func geoOverlap(a, b map[int64]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for area := range small {
		if _, ok := large[area]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(small))
}
