// Package hdbscan implements a density-based clustering routine used by
// the Cluster Engine to group embeddings into person/photo clusters. No
// ecosystem Go HDBSCAN implementation exists in the retrieval pack, so
// this is a from-scratch port of the algorithm's mutual-reachability +
// minimum-spanning-tree construction; it stops at a flat min-cluster-size
// cut of the resulting single-linkage hierarchy rather than HDBSCAN's full
// condensed-tree excess-of-mass extraction. See DESIGN.md.
package hdbscan

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// NoiseLabel marks a point that didn't join any cluster of at least
// MinClusterSize members.
const NoiseLabel = -1

// Config controls the clustering run.
type Config struct {
	MinClusterSize int
	// MinSamples sets how many neighbors (including self) define a
	// point's core distance; higher values produce more conservative
	// (noise-tolerant) clusters.
	MinSamples int
}

// Result is one run's output: labels[i] is the cluster id (or NoiseLabel)
// for points[i]; Centroids[c] is the mean vector of every point labeled c.
type Result struct {
	Labels    []int
	Centroids map[int][]float64
}

type edge struct {
	a, b int
	dist float64
}

// Run clusters points (each a fixed-dimension embedding) per cfg. Returns
// an empty Result if there are fewer points than cfg.MinClusterSize.
func Run(points [][]float64, cfg Config) Result {
	n := len(points)
	if n < cfg.MinClusterSize || n == 0 {
		return Result{Labels: make([]int, n), Centroids: map[int][]float64{}}
	}

	core := coreDistances(points, cfg.MinSamples)
	mst := minimumSpanningTree(points, core)
	labels := cutTreeByMinClusterSize(n, mst, cfg.MinClusterSize)

	centroids := make(map[int][]float64)
	counts := make(map[int]int)
	for i, l := range labels {
		if l == NoiseLabel {
			continue
		}
		if _, ok := centroids[l]; !ok {
			centroids[l] = make([]float64, len(points[i]))
		}
		floats.Add(centroids[l], points[i])
		counts[l]++
	}
	for l, sum := range centroids {
		floats.Scale(1/float64(counts[l]), sum)
	}

	return Result{Labels: labels, Centroids: centroids}
}

// coreDistances returns, for each point, its distance to its
// minSamples-th nearest neighbor (itself counts as the 1st).
func coreDistances(points [][]float64, minSamples int) []float64 {
	n := len(points)
	if minSamples < 1 {
		minSamples = 1
	}
	if minSamples > n {
		minSamples = n
	}
	core := make([]float64, n)
	for i := range points {
		dists := make([]float64, 0, n-1)
		for j := range points {
			if i == j {
				continue
			}
			dists = append(dists, floats.Distance(points[i], points[j], 2))
		}
		sort.Float64s(dists)
		idx := minSamples - 2 // minus self, minus 1-indexing
		if idx < 0 {
			idx = 0
		}
		if idx >= len(dists) {
			idx = len(dists) - 1
		}
		if len(dists) == 0 {
			core[i] = 0
		} else {
			core[i] = dists[idx]
		}
	}
	return core
}

// mutualReachability is max(core(a), core(b), euclidean(a,b)), HDBSCAN's
// density-adjusted distance metric.
func mutualReachability(points [][]float64, core []float64, a, b int) float64 {
	d := floats.Distance(points[a], points[b], 2)
	m := core[a]
	if core[b] > m {
		m = core[b]
	}
	if d > m {
		m = d
	}
	return m
}

// minimumSpanningTree builds the MST over the complete mutual-reachability
// graph via Prim's algorithm, returning its edges sorted ascending by
// distance (the order single-linkage agglomeration consumes them in).
func minimumSpanningTree(points [][]float64, core []float64) []edge {
	n := len(points)
	inTree := make([]bool, n)
	minDist := make([]float64, n)
	nearest := make([]int, n)
	for i := range minDist {
		minDist[i] = math.Inf(1)
		nearest[i] = -1
	}

	inTree[0] = true
	for j := 1; j < n; j++ {
		d := mutualReachability(points, core, 0, j)
		minDist[j] = d
		nearest[j] = 0
	}

	edges := make([]edge, 0, n-1)
	for len(edges) < n-1 {
		next := -1
		best := math.Inf(1)
		for i := 0; i < n; i++ {
			if !inTree[i] && minDist[i] < best {
				best = minDist[i]
				next = i
			}
		}
		if next == -1 {
			break
		}
		inTree[next] = true
		edges = append(edges, edge{a: nearest[next], b: next, dist: best})

		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			d := mutualReachability(points, core, next, j)
			if d < minDist[j] {
				minDist[j] = d
				nearest[j] = next
			}
		}
	}

	sort.Slice(edges, func(i, j int) bool { return edges[i].dist < edges[j].dist })
	return edges
}

// unionFind is a standard disjoint-set structure with path compression and
// union by size, tracking each root's current component size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	size := make([]int, n)
	for i := range parent {
		parent[i] = i
		size[i] = 1
	}
	return &unionFind{parent: parent, size: size}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) int {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return ra
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
	return ra
}

// cutTreeByMinClusterSize merges MST edges in ascending distance order
// (single-linkage agglomeration) and assigns a stable cluster id to every
// component that reaches minClusterSize members at the point merging
// stops being useful beyond that floor; components that never reach it
// are left as noise. This is a flat cut, not HDBSCAN's excess-of-mass
// condensed-tree extraction — see the package doc comment.
func cutTreeByMinClusterSize(n int, edges []edge, minClusterSize int) []int {
	uf := newUnionFind(n)
	for _, e := range edges {
		uf.union(e.a, e.b)
	}

	rootMembers := make(map[int][]int)
	for i := 0; i < n; i++ {
		r := uf.find(i)
		rootMembers[r] = append(rootMembers[r], i)
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = NoiseLabel
	}

	nextLabel := 0
	for _, members := range rootMembers {
		if len(members) < minClusterSize {
			continue
		}
		for _, i := range members {
			labels[i] = nextLabel
		}
		nextLabel++
	}
	return labels
}
