// Package spatial provides a k-d tree over 3D points for nearest neighbor
// and radius queries.
package spatial

import (
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// Point is an indexed point stored in the tree.
type Point struct {
	r3.Vec
	ID int
}

// Compare returns the signed distance of p from the plane through c
// perpendicular to dimension d.
func (p *Point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(*Point)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		return p.Z - q.Z
	}
}

// Dims returns the number of dimensions.
func (p *Point) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between p and c.
func (p *Point) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.Vec, c.(*Point).Vec))
}

// points implements kdtree.Interface. Building the tree reorders it.
type points []Point

// Index returns the ith element of the list of points.
func (ps points) Index(i int) kdtree.Comparable { return &ps[i] }

// Len returns the length of the list.
func (ps points) Len() int { return len(ps) }

// Pivot partitions the list based on the dimension specified.
func (ps points) Pivot(d kdtree.Dim) int {
	p := plane{dim: d, points: ps}
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

// Slice returns a slice of the list using zero-based half open indexing.
func (ps points) Slice(start, end int) kdtree.Interface { return ps[start:end] }

type plane struct {
	dim    kdtree.Dim
	points points
}

func (p plane) Less(i, j int) bool {
	return p.points[i].Compare(&p.points[j], p.dim) < 0
}
func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}
func (p plane) Len() int {
	return len(p.points)
}
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}

// Match is a query result.
type Match struct {
	ID       int
	Point    r3.Vec
	Distance float64
}

// Index is a k-d tree that is rebuilt balanced on the first query after
// an insertion. Queries may run concurrently with each other but not with
// Insert.
type Index struct {
	mu     sync.Mutex
	points points
	tree   *kdtree.Tree
	dirty  bool
}

// NewIndex returns an empty index.
func NewIndex(capacity int) *Index {
	return &Index{points: make(points, 0, capacity)}
}

// FromPoints indexes pts with their slice positions as IDs.
func FromPoints(pts []r3.Vec) *Index {
	idx := NewIndex(len(pts))
	for i, p := range pts {
		idx.Insert(p, i)
	}
	idx.Balance()
	return idx
}

// Insert adds a point with the given id.
func (idx *Index) Insert(p r3.Vec, id int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.points = append(idx.points, Point{Vec: p, ID: id})
	idx.dirty = true
}

// Len returns the number of indexed points.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.points)
}

// Balance rebuilds the tree from every inserted point.
func (idx *Index) Balance() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.balanceLocked()
}

func (idx *Index) balanceLocked() {
	if len(idx.points) == 0 {
		idx.tree = nil
	} else {
		idx.tree = kdtree.New(idx.points, false)
	}
	idx.dirty = false
}

func (idx *Index) ready() *kdtree.Tree {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.dirty {
		idx.balanceLocked()
	}
	return idx.tree
}

// Nearest returns the indexed point closest to q. It reports false when the
// index is empty.
func (idx *Index) Nearest(q r3.Vec) (Match, bool) {
	tree := idx.ready()
	if tree == nil {
		return Match{}, false
	}
	c, d2 := tree.Nearest(&Point{Vec: q})
	if c == nil {
		return Match{}, false
	}
	p := c.(*Point)
	return Match{ID: p.ID, Point: p.Vec, Distance: math.Sqrt(d2)}, true
}

// WithinRadius returns every point within r of q, nearest first.
func (idx *Index) WithinRadius(q r3.Vec, r float64) []Match {
	tree := idx.ready()
	if tree == nil || r < 0 {
		return nil
	}
	keeper := kdtree.NewDistKeeper(r * r)
	tree.NearestSet(keeper, &Point{Vec: q})

	out := make([]Match, 0, keeper.Len())
	for _, cd := range keeper.Heap {
		// the keeper is seeded with a sentinel holding no point
		if cd.Comparable == nil {
			continue
		}
		p := cd.Comparable.(*Point)
		out = append(out, Match{ID: p.ID, Point: p.Vec, Distance: math.Sqrt(cd.Dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// KNearest returns up to k points closest to q, nearest first.
func (idx *Index) KNearest(q r3.Vec, k int) []Match {
	tree := idx.ready()
	if tree == nil || k <= 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(k)
	tree.NearestSet(keeper, &Point{Vec: q})

	out := make([]Match, 0, k)
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		p := cd.Comparable.(*Point)
		out = append(out, Match{ID: p.ID, Point: p.Vec, Distance: math.Sqrt(cd.Dist)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

// Centroid returns the mean of the indexed points. It reports false when the
// index is empty.
func (idx *Index) Centroid() (r3.Vec, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.points) == 0 {
		return r3.Vec{}, false
	}
	var sum r3.Vec
	for _, p := range idx.points {
		sum = r3.Add(sum, p.Vec)
	}
	return r3.Scale(1/float64(len(idx.points)), sum), true
}
