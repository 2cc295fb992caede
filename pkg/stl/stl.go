// Package stl reads and writes binary STL files.
package stl

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/pkg/mesh"
)

// ErrMalformed is returned for streams that are not binary STL.
var ErrMalformed = errors.New("malformed binary stl")

const (
	headerSize   = 80
	triangleSize = 50
)

// DefaultHeader is written when no header is supplied.
var DefaultHeader = "binary STL written by dentalscan"

// Triangle is one facet record of a binary STL file.
type Triangle struct {
	Normal    [3]float32
	Vertex1   [3]float32
	Vertex2   [3]float32
	Vertex3   [3]float32
	Attribute uint16
}

// short name, for convenience
var le = binary.LittleEndian

// makeHeader pads text to 80 bytes. Binary files must not start with
// "solid", which readers take as the ASCII variant.
func makeHeader(text string) [headerSize]byte {
	var h [headerSize]byte
	if bytes.HasPrefix([]byte(text), []byte("solid")) {
		text = "binary " + text
	}
	copy(h[:], text)
	return h
}

// Encode writes triangles as a binary STL stream.
func Encode(w io.Writer, header string, triangles []Triangle) error {
	if uint64(len(triangles)) > math.MaxUint32 {
		return errors.Errorf("too many triangles for stl: %d", len(triangles))
	}
	bw := bufio.NewWriter(w)
	h := makeHeader(header)
	if _, err := bw.Write(h[:]); err != nil {
		return errors.Wrap(err, "error writing stl header")
	}
	var buf [triangleSize]byte
	le.PutUint32(buf[:4], uint32(len(triangles)))
	if _, err := bw.Write(buf[:4]); err != nil {
		return errors.Wrap(err, "error writing stl triangle count")
	}
	for i := range triangles {
		formatTriangle(&triangles[i], &buf)
		if _, err := bw.Write(buf[:]); err != nil {
			return errors.Wrapf(err, "error writing triangle %d", i)
		}
	}
	return errors.Wrap(bw.Flush(), "error writing stl")
}

func formatTriangle(t *Triangle, buf *[triangleSize]byte) {
	off := 0
	for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
		for _, c := range v {
			le.PutUint32(buf[off:], math.Float32bits(c))
			off += 4
		}
	}
	le.PutUint16(buf[off:], t.Attribute)
}

// Decode reads a binary STL stream and returns its header and triangles.
func Decode(r io.Reader) ([headerSize]byte, []Triangle, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return header, nil, errors.Wrap(ErrMalformed, "short header")
	}
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return header, nil, errors.Wrap(ErrMalformed, "missing triangle count")
	}
	num := le.Uint32(countBuf[:])

	triangles := make([]Triangle, 0, min(num, 1<<20))
	var buf [triangleSize]byte
	for i := uint32(0); i < num; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return header, nil, errors.Wrapf(ErrMalformed, "triangle %d of %d is truncated", i, num)
		}
		triangles = append(triangles, readTriangle(&buf))
	}
	return header, triangles, nil
}

func readTriangle(buf *[triangleSize]byte) Triangle {
	var vs [4][3]float32
	off := 0
	for i := range vs {
		for j := range vs[i] {
			vs[i][j] = math.Float32frombits(le.Uint32(buf[off:]))
			off += 4
		}
	}
	return Triangle{
		Normal:    vs[0],
		Vertex1:   vs[1],
		Vertex2:   vs[2],
		Vertex3:   vs[3],
		Attribute: le.Uint16(buf[off:]),
	}
}

// SaveToSTL writes triangles to a binary STL file.
func SaveToSTL(filename string, triangles []Triangle) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "error creating stl file")
	}
	if err := Encode(file, DefaultHeader, triangles); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveMesh writes m to a binary STL file.
func SaveMesh(filename string, m *mesh.Mesh) error {
	return SaveToSTL(filename, FromMesh(m))
}

// LoadSTL reads the triangles of a binary STL file.
func LoadSTL(filename string) ([]Triangle, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "error opening stl file")
	}
	defer file.Close()
	_, tris, err := Decode(bufio.NewReader(file))
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", filename)
	}
	return tris, nil
}

// LoadMesh reads a binary STL file as an indexed mesh.
func LoadMesh(filename string) (*mesh.Mesh, error) {
	tris, err := LoadSTL(filename)
	if err != nil {
		return nil, err
	}
	return ToMesh(tris), nil
}

func toFloat32(v r3.Vec) [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}

func toVec(v [3]float32) r3.Vec {
	return r3.Vec{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
}

// FromMesh flattens m into facet records with unit normals.
func FromMesh(m *mesh.Mesh) []Triangle {
	out := make([]Triangle, len(m.Triangles))
	for i, t := range m.Triangles {
		out[i] = Triangle{
			Normal:  toFloat32(m.UnitNormal(i)),
			Vertex1: toFloat32(m.Vertices[t[0]]),
			Vertex2: toFloat32(m.Vertices[t[1]]),
			Vertex3: toFloat32(m.Vertices[t[2]]),
		}
	}
	return out
}

// ToMesh welds facet records back into an indexed mesh. Vertices merge only
// when their float32 coordinates are identical.
func ToMesh(triangles []Triangle) *mesh.Mesh {
	m := mesh.New(mesh.Physical)
	index := make(map[[3]float32]int, len(triangles)/2)
	vertex := func(p [3]float32) int {
		if i, ok := index[p]; ok {
			return i
		}
		i := m.AddVertex(toVec(p))
		index[p] = i
		return i
	}
	for _, t := range triangles {
		a, b, c := vertex(t.Vertex1), vertex(t.Vertex2), vertex(t.Vertex3)
		if a == b || b == c || a == c {
			continue
		}
		m.AddTriangle(a, b, c)
	}
	return m
}
