package cluster

// UnionFind is a disjoint-set forest with path compression and union by size.
// Ward uses it to track which original rows belong to each merged cluster.
type UnionFind struct {
	parent []int
	size   []int
}

// NewUnionFind creates a UnionFind for n singleton elements.
func NewUnionFind(n int) *UnionFind {
	parent := make([]int, n)
	size := make([]int, n)
	for i := range parent {
		parent[i] = -1 // -1 means "is a root"
		size[i] = 1
	}
	return &UnionFind{parent: parent, size: size}
}

// Find returns the root of the set containing x, with path compression.
func (uf *UnionFind) Find(x int) int {
	root := x
	for uf.parent[root] != -1 {
		root = uf.parent[root]
	}
	for uf.parent[x] != -1 {
		x, uf.parent[x] = uf.parent[x], root
	}
	return root
}

// Union merges the sets containing x and y, attaching the smaller tree under
// the larger, and returns the new root. On equal sizes the root of x wins.
func (uf *UnionFind) Union(x, y int) int {
	rootX := uf.Find(x)
	rootY := uf.Find(y)
	if rootX == rootY {
		return rootX
	}
	if uf.size[rootX] < uf.size[rootY] {
		rootX, rootY = rootY, rootX
	}
	uf.parent[rootY] = rootX
	uf.size[rootX] += uf.size[rootY]
	return rootX
}

// Size returns the number of elements in the set containing x.
func (uf *UnionFind) Size(x int) int {
	return uf.size[uf.Find(x)]
}

// Labels numbers the sets 0..m-1 in order of their smallest member.
func (uf *UnionFind) Labels() []int {
	n := len(uf.parent)
	labels := make([]int, n)
	ids := make(map[int]int)
	for i := 0; i < n; i++ {
		root := uf.Find(i)
		id, ok := ids[root]
		if !ok {
			id = len(ids)
			ids[root] = id
		}
		labels[i] = id
	}
	return labels
}
