package simplify

import (
	"container/heap"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/pkg/mesh"
)

// ReductionFactor returns the fraction of triangles to remove so that count
// drops to ceiling; 0 when count is already within the ceiling.
func ReductionFactor(count, ceiling int) float64 {
	if ceiling <= 0 || count <= ceiling {
		return 0
	}
	return 1 - float64(ceiling)/float64(count)
}

// DecimateResult reports how far decimation got.
type DecimateResult struct {
	Target    int
	Collapses int
	// Shortfall is set when no further collapse was legal before the target
	// was reached; the mesh is the best one found.
	Shortfall bool
}

type collapse struct {
	cost   float64
	a, b   int
	verA   int
	verB   int
	target r3.Vec
}

type collapseHeap []collapse

func (h collapseHeap) Len() int            { return len(h) }
func (h collapseHeap) Less(i, j int) bool  { return h[i].cost < h[j].cost }
func (h collapseHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *collapseHeap) Push(x interface{}) { *h = append(*h, x.(collapse)) }
func (h *collapseHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// decimator holds the mutable connectivity used during edge collapses.
type decimator struct {
	verts    []r3.Vec
	tris     [][3]int
	triAlive []bool
	alive    int

	vertTris [][]int
	quadrics []quadric
	version  []int
	locked   []bool
	removed  []bool

	queue collapseHeap
}

// minNormalCos rejects collapses that turn a face by more than ~78 degrees.
const minNormalCos = 0.2

// Decimate collapses edges of m in order of increasing quadric error until
// at most target triangles remain. Vertices on open boundaries never move.
// m is modified in place and compacted.
func Decimate(m *mesh.Mesh, target int, progress func(float64)) DecimateResult {
	res := DecimateResult{Target: target}
	start := len(m.Triangles)
	if start <= target {
		return res
	}

	d := newDecimator(m)
	toRemove := float64(start - target)
	for d.alive > target && d.queue.Len() > 0 {
		c := heap.Pop(&d.queue).(collapse)
		if d.removed[c.a] || d.removed[c.b] || d.version[c.a] != c.verA || d.version[c.b] != c.verB {
			continue
		}
		if !d.canCollapse(c.a, c.b, c.target) {
			continue
		}
		d.apply(c.a, c.b, c.target)
		res.Collapses++
		if progress != nil && res.Collapses%256 == 0 {
			progress(math.Min(1, float64(start-d.alive)/toRemove))
		}
	}
	res.Shortfall = d.alive > target

	m.Vertices = d.verts
	m.Triangles = m.Triangles[:0]
	for i, t := range d.tris {
		if d.triAlive[i] {
			m.Triangles = append(m.Triangles, t)
		}
	}
	m.Compact()
	if progress != nil {
		progress(1)
	}
	return res
}

func newDecimator(m *mesh.Mesh) *decimator {
	n := len(m.Vertices)
	d := &decimator{
		verts:    append([]r3.Vec(nil), m.Vertices...),
		tris:     append([][3]int(nil), m.Triangles...),
		triAlive: make([]bool, len(m.Triangles)),
		alive:    len(m.Triangles),
		vertTris: make([][]int, n),
		quadrics: make([]quadric, n),
		version:  make([]int, n),
		removed:  make([]bool, n),
		locked:   m.BoundaryVertices(),
	}
	for i, t := range d.tris {
		d.triAlive[i] = true
		nrm := r3.Cross(r3.Sub(d.verts[t[1]], d.verts[t[0]]), r3.Sub(d.verts[t[2]], d.verts[t[0]]))
		area := r3.Norm(nrm) / 2
		var q quadric
		if area > 0 {
			q = planeQuadric(r3.Scale(1/(2*area), nrm), d.verts[t[0]], area)
		}
		for _, v := range t {
			d.vertTris[v] = append(d.vertTris[v], i)
			d.quadrics[v] = d.quadrics[v].add(q)
		}
	}

	// queue in edge order so equal costs always collapse the same way
	var edges []mesh.Edge
	for e, faces := range m.EdgeFaces() {
		if len(faces) == 2 {
			edges = append(edges, e)
		}
	}
	slices.SortFunc(edges, func(x, y mesh.Edge) int {
		if x.A != y.A {
			return x.A - y.A
		}
		return x.B - y.B
	})
	for _, e := range edges {
		d.push(e.A, e.B)
	}
	return d
}

// push queues the collapse of edge (a, b) at its optimal position.
func (d *decimator) push(a, b int) {
	if d.locked[a] || d.locked[b] {
		return
	}
	q := d.quadrics[a].add(d.quadrics[b])
	p, ok := q.minimizer()
	if !ok {
		// fall back to the best of the endpoints and the midpoint
		mid := r3.Scale(0.5, r3.Add(d.verts[a], d.verts[b]))
		p = mid
		best := q.eval(mid)
		for _, c := range []r3.Vec{d.verts[a], d.verts[b]} {
			if e := q.eval(c); e < best {
				p, best = c, e
			}
		}
	}
	cost := q.eval(p)
	heap.Push(&d.queue, collapse{cost: cost, a: a, b: b, verA: d.version[a], verB: d.version[b], target: p})
}

func (d *decimator) neighbors(v int) map[int]bool {
	out := make(map[int]bool)
	for _, ti := range d.vertTris[v] {
		for _, u := range d.tris[ti] {
			if u != v {
				out[u] = true
			}
		}
	}
	return out
}

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// canCollapse checks the link condition and rejects collapses that would
// flip or degenerate a surviving triangle.
func (d *decimator) canCollapse(a, b int, p r3.Vec) bool {
	na, nb := d.neighbors(a), d.neighbors(b)
	if !na[b] {
		return false
	}

	// vertices opposite the edge in the triangles that contain it
	shared := 0
	opposite := make(map[int]bool, 2)
	for _, ti := range d.vertTris[a] {
		t := d.tris[ti]
		if t[0] != b && t[1] != b && t[2] != b {
			continue
		}
		shared++
		for _, u := range t {
			if u != a && u != b {
				opposite[u] = true
			}
		}
	}
	if shared != 2 {
		return false
	}
	for u := range na {
		if nb[u] && !opposite[u] {
			return false
		}
	}
	// collapsing would leave a tetrahedron's worth of surface or less
	if len(na)+len(nb) <= 6 && len(na) <= 3 && len(nb) <= 3 {
		return false
	}

	for _, v := range [2]int{a, b} {
		for _, ti := range d.vertTris[v] {
			t := d.tris[ti]
			if (t[0] == a || t[1] == a || t[2] == a) && (t[0] == b || t[1] == b || t[2] == b) {
				continue
			}
			var moved [3]r3.Vec
			for k, u := range t {
				if u == v {
					moved[k] = p
				} else {
					moved[k] = d.verts[u]
				}
			}
			before := r3.Cross(r3.Sub(d.verts[t[1]], d.verts[t[0]]), r3.Sub(d.verts[t[2]], d.verts[t[0]]))
			after := r3.Cross(r3.Sub(moved[1], moved[0]), r3.Sub(moved[2], moved[0]))
			lb, la := r3.Norm(before), r3.Norm(after)
			if la == 0 {
				return false
			}
			if lb > 0 && r3.Dot(before, after) < minNormalCos*lb*la {
				return false
			}
		}
	}
	return true
}

// apply merges b into a at position p.
func (d *decimator) apply(a, b int, p r3.Vec) {
	kept := d.vertTris[a][:0:0]
	for _, ti := range d.vertTris[a] {
		t := d.tris[ti]
		if t[0] == b || t[1] == b || t[2] == b {
			d.triAlive[ti] = false
			d.alive--
			continue
		}
		kept = append(kept, ti)
	}
	for _, ti := range d.vertTris[b] {
		if !d.triAlive[ti] {
			continue
		}
		t := &d.tris[ti]
		for k := range t {
			if t[k] == b {
				t[k] = a
			}
		}
		kept = append(kept, ti)
	}
	d.vertTris[a] = kept
	d.vertTris[b] = nil
	d.removed[b] = true
	d.verts[a] = p
	d.quadrics[a] = d.quadrics[a].add(d.quadrics[b])
	d.version[a]++

	// the removed triangles also belong to the opposite vertices
	ring := sortedKeys(d.neighbors(a))
	for _, u := range ring {
		live := d.vertTris[u][:0]
		for _, ti := range d.vertTris[u] {
			if d.triAlive[ti] {
				live = append(live, ti)
			}
		}
		d.vertTris[u] = live
	}
	for _, u := range ring {
		d.push(a, u)
	}
}
