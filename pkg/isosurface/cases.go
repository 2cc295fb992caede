package isosurface

// Cube corner c sits at offset (c&1, c>>1&1, c>>2&1). Cube edges join two
// corners that differ in exactly one bit.

type cubeEdge struct {
	from, to int // corners, from < to
	axis     int
}

// cubeEdges lists the 12 edges; the position in the slice is the edge id.
var cubeEdges = buildEdges()

// edgeID maps a corner pair to its edge id.
var edgeID [8][8]int

// caseTable holds, for each of the 256 inside/outside corner patterns, the
// triangles as triples of edge ids.
var caseTable [256][][3]int

// edgeFaceMask has bit f set when the edge lies on face f.
var edgeFaceMask [12]uint8

func init() {
	for i := range edgeID {
		for j := range edgeID[i] {
			edgeID[i][j] = -1
		}
	}
	for id, e := range cubeEdges {
		edgeID[e.from][e.to] = id
		edgeID[e.to][e.from] = id
	}
	faces := buildFaces()
	for f, cyc := range faces {
		for k := 0; k < 4; k++ {
			edgeFaceMask[edgeID[cyc[k]][cyc[(k+1)%4]]] |= 1 << f
		}
	}
	for c := 0; c < 256; c++ {
		caseTable[c] = triangulateCase(c, faces)
	}
}

func buildEdges() []cubeEdge {
	edges := make([]cubeEdge, 0, 12)
	for axis := 0; axis < 3; axis++ {
		for c := 0; c < 8; c++ {
			if c&(1<<axis) == 0 {
				edges = append(edges, cubeEdge{from: c, to: c | 1<<axis, axis: axis})
			}
		}
	}
	return edges
}

// buildFaces returns the corner cycle of each cube face, counter-clockwise
// when seen from outside the cube.
func buildFaces() [6][4]int {
	var faces [6][4]int
	cycle := [4][2]int{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	for axis := 0; axis < 3; axis++ {
		u, v := (axis+1)%3, (axis+2)%3
		for side := 0; side < 2; side++ {
			var f [4]int
			for k, p := range cycle {
				f[k] = side<<axis | p[0]<<u | p[1]<<v
			}
			// the (u, v) cycle turns counter-clockwise around +axis
			if side == 0 {
				f[1], f[3] = f[3], f[1]
			}
			faces[axis*2+side] = f
		}
	}
	return faces
}

// triangulateCase traces the iso-contour on every face and stitches the
// segments into loops. On each face a run of inside corners is bounded by
// an entry crossing and an exit crossing; the segment runs from entry to
// exit. Diagonal inside corners on a face therefore stay separated, a rule
// both cubes sharing the face apply identically, which keeps the surface
// closed. Loops wind counter-clockwise around the normal that points away
// from the inside region.
func triangulateCase(c int, faces [6][4]int) [][3]int {
	inside := func(corner int) bool { return c&(1<<corner) != 0 }

	next := make(map[int]int, 12)
	for _, f := range faces {
		for k := 0; k < 4; k++ {
			prev := f[(k+3)%4]
			if !inside(f[k]) || inside(prev) {
				continue
			}
			entry := edgeID[prev][f[k]]
			j := k
			for inside(f[(j+1)%4]) {
				j = (j + 1) % 4
			}
			exit := edgeID[f[j]][f[(j+1)%4]]
			next[entry] = exit
		}
	}

	var tris [][3]int
	visited := make(map[int]bool, len(next))
	for start := 0; start < 12; start++ {
		if _, ok := next[start]; !ok || visited[start] {
			continue
		}
		var loop []int
		for e := start; !visited[e]; e = next[e] {
			visited[e] = true
			loop = append(loop, e)
		}
		tris = append(tris, fanLoop(loop)...)
	}
	return tris
}

// fanLoop fans the loop from a vertex whose diagonals all cross the cube
// interior. A diagonal between two crossings on the same face could coincide
// with one from the neighboring cube and leave that edge with four triangles.
// Every loop the face rule produces has such a vertex.
func fanLoop(loop []int) [][3]int {
	n := len(loop)
	start := 0
	for s := 0; s < n; s++ {
		if interiorFan(loop, s) {
			start = s
			break
		}
	}
	tris := make([][3]int, 0, n-2)
	for i := 1; i+1 < n; i++ {
		tris = append(tris, [3]int{loop[start], loop[(start+i)%n], loop[(start+i+1)%n]})
	}
	return tris
}

// interiorFan reports whether no diagonal of the fan from loop[s] joins two
// edges of a common face.
func interiorFan(loop []int, s int) bool {
	n := len(loop)
	for i := 2; i < n-1; i++ {
		if edgeFaceMask[loop[s]]&edgeFaceMask[loop[(s+i)%n]] != 0 {
			return false
		}
	}
	return true
}
