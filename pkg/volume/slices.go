package volume

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/internal/models"
	"dentalscan/pkg/geom"
)

var sliceExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// LoadSlices decodes every PNG or JPEG in dir, ordered by the number embedded
// in the file name.
func LoadSlices(dir string, sliceGap float64) ([]models.Slice, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "error reading slice directory")
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && sliceExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, errors.Wrapf(ErrInvalidVolume, "no slice images found in %s", dir)
	}

	sort.SliceStable(names, func(i, j int) bool {
		return extractNumber(names[i]) < extractNumber(names[j])
	})

	slices := make([]models.Slice, 0, len(names))
	for i, name := range names {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load image %s", name)
		}
		slices = append(slices, models.Slice{
			Image:    img,
			Index:    i,
			Filename: name,
			Position: float64(i) * sliceGap,
		})
	}
	return slices, nil
}

// LoadSliceStack builds a windowed volume from a directory of 8-bit slice
// images. All slices must share the size of the first one.
func LoadSliceStack(dir string, pixelSpacing, sliceGap float64) (*Volume, error) {
	slices, err := LoadSlices(dir, sliceGap)
	if err != nil {
		return nil, err
	}
	return StackSlices(slices, pixelSpacing, sliceGap)
}

// StackSlices converts decoded slices into a volume with z along the stack.
func StackSlices(slices []models.Slice, pixelSpacing, sliceGap float64) (*Volume, error) {
	if len(slices) == 0 {
		return nil, errors.Wrap(ErrInvalidVolume, "no slices")
	}
	b := slices[0].Image.Bounds()
	v, err := New([3]int{b.Dx(), b.Dy(), len(slices)},
		r3.Vec{X: pixelSpacing, Y: pixelSpacing, Z: sliceGap}, r3.Vec{}, geom.Identity3())
	if err != nil {
		return nil, err
	}
	v.Windowed = true
	for z, s := range slices {
		sb := s.Image.Bounds()
		if sb.Dx() != b.Dx() || sb.Dy() != b.Dy() {
			return nil, errors.Wrapf(ErrInvalidVolume, "slice %s is %dx%d, expected %dx%d",
				s.Filename, sb.Dx(), sb.Dy(), b.Dx(), b.Dy())
		}
		for y := 0; y < sb.Dy(); y++ {
			for x := 0; x < sb.Dx(); x++ {
				g := color.GrayModel.Convert(s.Image.At(sb.Min.X+x, sb.Min.Y+y)).(color.Gray)
				v.Set(x, y, z, float64(g.Y))
			}
		}
	}
	return v, nil
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// extractNumber returns the digits of a file name as a number, 0 when there are none
func extractNumber(filename string) int {
	var digits strings.Builder
	for _, c := range filepath.Base(filename) {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	num, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return num
}
