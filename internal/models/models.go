package models

import (
	"image"
)

// Slice represents a single 2D image of a slice stack with its placement
type Slice struct {
	// Image is the decoded slice image
	Image image.Image

	// Index is the position of this slice in the sequence
	Index int

	// Filename is the original filename of the slice
	Filename string

	// Position is the physical position of the slice along the stacking axis in mm
	Position float64
}

// PatientTags holds the identifying tags carried over from the source scan.
// Empty strings mean the tag was absent.
type PatientTags struct {
	PatientName string `yaml:"patientName,omitempty"`
	PatientID   string `yaml:"patientId,omitempty"`
	BirthDate   string `yaml:"birthDate,omitempty"`
	StudyDate   string `yaml:"studyDate,omitempty"`

	// WindowCenter and WindowWidth are the display window suggested by the scanner
	WindowCenter float64 `yaml:"windowCenter,omitempty"`
	WindowWidth  float64 `yaml:"windowWidth,omitempty"`
}

// VolumeMetadata describes a scalar volume without its voxel data
type VolumeMetadata struct {
	// Dims is the number of voxels along x, y and z
	Dims [3]int `yaml:"dims"`

	// Spacing is the physical size of each voxel in mm
	Spacing [3]float64 `yaml:"spacing"`

	// Origin is the physical position of voxel (0,0,0)
	Origin [3]float64 `yaml:"origin"`

	// Direction is the row-major 3x3 orientation matrix
	Direction [9]float64 `yaml:"direction"`

	// Center is the physical position of the volume center
	Center [3]float64 `yaml:"center"`

	// Transform is the row-major 4x4 matrix [Direction | Center] used to
	// place extracted meshes in the scene
	Transform [16]float64 `yaml:"transform"`

	// MinValue and MaxValue are the intensity range of the voxel data
	MinValue float64 `yaml:"minValue"`
	MaxValue float64 `yaml:"maxValue"`

	Tags PatientTags `yaml:"tags"`
}
