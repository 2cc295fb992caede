package volume

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/internal/models"
	"dentalscan/pkg/geom"
)

// ErrUnsupportedNRRD is returned for NRRD features this reader does not handle.
var ErrUnsupportedNRRD = errors.New("unsupported nrrd")

type sampleType struct {
	size int
	read func(b []byte, order binary.ByteOrder) float64
}

var nrrdTypes = map[string]sampleType{
	"int8":   {1, func(b []byte, _ binary.ByteOrder) float64 { return float64(int8(b[0])) }},
	"uint8":  {1, func(b []byte, _ binary.ByteOrder) float64 { return float64(b[0]) }},
	"int16":  {2, func(b []byte, o binary.ByteOrder) float64 { return float64(int16(o.Uint16(b))) }},
	"uint16": {2, func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint16(b)) }},
	"int32":  {4, func(b []byte, o binary.ByteOrder) float64 { return float64(int32(o.Uint32(b))) }},
	"uint32": {4, func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint32(b)) }},
	"float":  {4, func(b []byte, o binary.ByteOrder) float64 { return float64(math.Float32frombits(o.Uint32(b))) }},
	"double": {8, func(b []byte, o binary.ByteOrder) float64 { return math.Float64frombits(o.Uint64(b)) }},
}

// nrrd type aliases from the format definition
var nrrdTypeAliases = map[string]string{
	"signed char": "int8", "int8_t": "int8", "uchar": "uint8", "unsigned char": "uint8", "uint8_t": "uint8",
	"short": "int16", "short int": "int16", "signed short": "int16", "int16_t": "int16",
	"ushort": "uint16", "unsigned short": "uint16", "uint16_t": "uint16",
	"int": "int32", "signed int": "int32", "int32_t": "int32",
	"uint": "uint32", "unsigned int": "uint32", "uint32_t": "uint32",
	"float32": "float", "float64": "double",
}

// maxNRRDVoxels bounds the sample count a header may declare.
const maxNRRDVoxels = 1 << 30

// Patient tag keys stored as NRRD key/value pairs
const (
	tagPatientName  = "PatientName"
	tagPatientID    = "PatientID"
	tagBirthDate    = "PatientBirthDate"
	tagStudyDate    = "StudyDate"
	tagWindowCenter = "WindowCenter"
	tagWindowWidth  = "WindowWidth"
)

// LoadNRRD reads a volume from an attached-data NRRD file.
func LoadNRRD(path string) (*Volume, models.PatientTags, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.PatientTags{}, errors.Wrap(err, "error opening nrrd file")
	}
	defer f.Close()
	return ReadNRRD(f)
}

// ReadNRRD parses a three-dimensional NRRD stream with attached raw or gzip data.
func ReadNRRD(r io.Reader) (*Volume, models.PatientTags, error) {
	var tags models.PatientTags
	br := bufio.NewReader(r)

	magic, err := br.ReadString('\n')
	if err != nil {
		return nil, tags, errors.Wrap(err, "error reading nrrd magic")
	}
	if !strings.HasPrefix(magic, "NRRD") {
		return nil, tags, errors.Wrap(ErrInvalidVolume, "missing NRRD magic")
	}

	fields := map[string]string{}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, tags, errors.Wrap(err, "error reading nrrd header")
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if k, val, ok := strings.Cut(line, ":="); ok {
			setTag(&tags, k, val)
			continue
		}
		k, val, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, tags, errors.Wrapf(ErrInvalidVolume, "malformed nrrd header line %q", line)
		}
		fields[strings.ToLower(k)] = strings.TrimSpace(val)
	}

	if _, ok := fields["data file"]; ok {
		return nil, tags, errors.Wrap(ErrUnsupportedNRRD, "detached data files")
	}
	if d := fields["dimension"]; d != "3" {
		return nil, tags, errors.Wrapf(ErrUnsupportedNRRD, "dimension %q", d)
	}

	typeName := fields["type"]
	if alias, ok := nrrdTypeAliases[typeName]; ok {
		typeName = alias
	}
	st, ok := nrrdTypes[typeName]
	if !ok {
		return nil, tags, errors.Wrapf(ErrUnsupportedNRRD, "type %q", fields["type"])
	}

	var order binary.ByteOrder = binary.LittleEndian
	if fields["endian"] == "big" {
		order = binary.BigEndian
	}

	var dims [3]int
	sizes := strings.Fields(fields["sizes"])
	if len(sizes) != 3 {
		return nil, tags, errors.Wrapf(ErrInvalidVolume, "sizes %q", fields["sizes"])
	}
	for i, s := range sizes {
		if dims[i], err = strconv.Atoi(s); err != nil {
			return nil, tags, errors.Wrapf(ErrInvalidVolume, "sizes %q", fields["sizes"])
		}
	}

	v := &Volume{
		Dims:      dims,
		Spacing:   r3.Vec{X: 1, Y: 1, Z: 1},
		Direction: geom.Identity3(),
	}
	if sd, ok := fields["space directions"]; ok {
		vecs, err := parseVectors(sd)
		if err != nil || len(vecs) != 3 {
			return nil, tags, errors.Wrapf(ErrInvalidVolume, "space directions %q", sd)
		}
		sp := [3]float64{}
		for i, d := range vecs {
			sp[i] = r3.Norm(d)
			if sp[i] == 0 {
				return nil, tags, errors.Wrapf(ErrInvalidVolume, "space direction %d is zero", i)
			}
			u := r3.Scale(1/sp[i], d)
			v.Direction[i], v.Direction[3+i], v.Direction[6+i] = u.X, u.Y, u.Z
		}
		v.Spacing = r3.Vec{X: sp[0], Y: sp[1], Z: sp[2]}
	} else if s, ok := fields["spacings"]; ok {
		parts := strings.Fields(s)
		if len(parts) != 3 {
			return nil, tags, errors.Wrapf(ErrInvalidVolume, "spacings %q", s)
		}
		sp := [3]float64{}
		for i, p := range parts {
			if sp[i], err = strconv.ParseFloat(p, 64); err != nil {
				return nil, tags, errors.Wrapf(ErrInvalidVolume, "spacings %q", s)
			}
		}
		v.Spacing = r3.Vec{X: sp[0], Y: sp[1], Z: sp[2]}
	}
	if so, ok := fields["space origin"]; ok {
		vecs, err := parseVectors(so)
		if err != nil || len(vecs) != 1 {
			return nil, tags, errors.Wrapf(ErrInvalidVolume, "space origin %q", so)
		}
		v.Origin = vecs[0]
	}
	if err := v.validateGeometry(); err != nil {
		return nil, tags, err
	}
	if !withinVoxelLimit(dims) {
		return nil, tags, errors.Wrapf(ErrInvalidVolume, "sizes %q exceed %d voxels", fields["sizes"], maxNRRDVoxels)
	}

	var body io.Reader = br
	switch fields["encoding"] {
	case "raw":
	case "gzip", "gz":
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, tags, errors.Wrap(err, "error opening gzip payload")
		}
		defer zr.Close()
		body = zr
	default:
		return nil, tags, errors.Wrapf(ErrUnsupportedNRRD, "encoding %q", fields["encoding"])
	}

	n := v.Len()
	raw := make([]byte, n*st.size)
	if _, err := io.ReadFull(body, raw); err != nil {
		return nil, tags, errors.Wrap(err, "error reading nrrd payload")
	}
	v.Data = make([]float64, n)
	for i := range v.Data {
		v.Data[i] = st.read(raw[i*st.size:(i+1)*st.size], order)
	}
	return v, tags, nil
}

// withinVoxelLimit multiplies positive dims without overflowing.
func withinVoxelLimit(dims [3]int) bool {
	n := 1
	for _, d := range dims {
		if d > maxNRRDVoxels/n {
			return false
		}
		n *= d
	}
	return true
}

func setTag(tags *models.PatientTags, key, value string) {
	switch strings.TrimSpace(key) {
	case tagPatientName:
		tags.PatientName = value
	case tagPatientID:
		tags.PatientID = value
	case tagBirthDate:
		tags.BirthDate = value
	case tagStudyDate:
		tags.StudyDate = value
	case tagWindowCenter:
		tags.WindowCenter, _ = strconv.ParseFloat(value, 64)
	case tagWindowWidth:
		tags.WindowWidth, _ = strconv.ParseFloat(value, 64)
	}
}

// parseVectors reads "(a,b,c) (d,e,f)" lists.
func parseVectors(s string) ([]r3.Vec, error) {
	var out []r3.Vec
	for _, tok := range strings.Fields(s) {
		tok = strings.TrimSuffix(strings.TrimPrefix(tok, "("), ")")
		parts := strings.Split(tok, ",")
		if len(parts) != 3 {
			return nil, errors.Errorf("bad vector %q", tok)
		}
		var c [3]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, err
			}
			c[i] = f
		}
		out = append(out, r3.Vec{X: c[0], Y: c[1], Z: c[2]})
	}
	return out, nil
}

// WriteNRRD writes v as little-endian doubles, optionally gzip compressed.
func WriteNRRD(w io.Writer, v *Volume, tags models.PatientTags, compress bool) error {
	if err := v.Validate(); err != nil {
		return err
	}
	encoding := "raw"
	if compress {
		encoding = "gzip"
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "NRRD0004")
	fmt.Fprintln(bw, "type: double")
	fmt.Fprintln(bw, "dimension: 3")
	fmt.Fprintln(bw, "space: left-posterior-superior")
	fmt.Fprintf(bw, "sizes: %d %d %d\n", v.Dims[0], v.Dims[1], v.Dims[2])
	sp := [3]float64{v.Spacing.X, v.Spacing.Y, v.Spacing.Z}
	fmt.Fprint(bw, "space directions:")
	for a := 0; a < 3; a++ {
		fmt.Fprintf(bw, " (%s,%s,%s)",
			formatFloat(v.Direction[a]*sp[a]),
			formatFloat(v.Direction[3+a]*sp[a]),
			formatFloat(v.Direction[6+a]*sp[a]))
	}
	fmt.Fprintln(bw)
	fmt.Fprintf(bw, "space origin: (%s,%s,%s)\n", formatFloat(v.Origin.X), formatFloat(v.Origin.Y), formatFloat(v.Origin.Z))
	fmt.Fprintln(bw, "endian: little")
	fmt.Fprintf(bw, "encoding: %s\n", encoding)
	writeTag(bw, tagPatientName, tags.PatientName)
	writeTag(bw, tagPatientID, tags.PatientID)
	writeTag(bw, tagBirthDate, tags.BirthDate)
	writeTag(bw, tagStudyDate, tags.StudyDate)
	if tags.WindowWidth != 0 {
		writeTag(bw, tagWindowCenter, formatFloat(tags.WindowCenter))
		writeTag(bw, tagWindowWidth, formatFloat(tags.WindowWidth))
	}
	fmt.Fprintln(bw)

	var body io.Writer = bw
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(bw)
		body = zw
	}
	buf := make([]byte, 8)
	for _, s := range v.Data {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(s))
		if _, err := body.Write(buf); err != nil {
			return errors.Wrap(err, "error writing nrrd payload")
		}
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return errors.Wrap(err, "error closing gzip payload")
		}
	}
	return errors.Wrap(bw.Flush(), "error writing nrrd file")
}

// SaveNRRD writes v to path.
func SaveNRRD(path string, v *Volume, tags models.PatientTags, compress bool) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "error creating nrrd file")
	}
	if err := WriteNRRD(f, v, tags, compress); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeTag(w io.Writer, key, value string) {
	if value != "" {
		fmt.Fprintf(w, "%s:=%s\n", key, value)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
