// Package consolidation periodically rebuilds a similarity graph over a
// run's clusters and merges or splits them, superseding assignments
// without ever rewriting history.
package consolidation

// unionFind is a disjoint-set over cluster ids with path compression.
// Merge application goes through it so each document moves at most once
// per pass regardless of how many edges its clusters participate in.
type unionFind struct {
	parent map[int64]int64
}

func newUnionFind(ids []int64) *unionFind {
	u := &unionFind{parent: make(map[int64]int64, len(ids))}
	for _, id := range ids {
		u.parent[id] = id
	}
	return u
}

func (u *unionFind) find(id int64) int64 {
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[id] != root {
		u.parent[id], id = root, u.parent[id]
	}
	return root
}

func (u *unionFind) union(a, b int64) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

// components groups ids by their root.
func (u *unionFind) components() map[int64][]int64 {
	out := make(map[int64][]int64)
	for id := range u.parent {
		root := u.find(id)
		out[root] = append(out[root], id)
	}
	return out
}
