// Package labelmap paints per-structure masks into one integer label volume.
package labelmap

import (
	"errors"
	"fmt"
	"sort"

	"anatomesh/internal/models"
	"anatomesh/pkg/nifti"
)

// Threshold is the mask value a voxel must exceed to be painted.
const Threshold = 0.5

// ErrGridMismatch is returned when a mask does not share the first mask's grid.
var ErrGridMismatch = errors.New("label volume grid mismatch")

// Combined is a single integer label volume; 0 is background and structure
// ids start at 1 in the order the structures were added.
type Combined struct {
	Volume *models.LabelVolume

	// IDs maps structure name to label id
	IDs map[string]int

	// Names lists structure names by id-1
	Names []string
}

// Builder paints masks one at a time so only one structure needs to be in
// memory besides the combined grid. Later masks overwrite earlier ones where
// they overlap.
type Builder struct {
	combined *Combined
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{combined: &Combined{IDs: make(map[string]int)}}
}

// Add assigns the next id to vol and paints it.
func (b *Builder) Add(vol *models.LabelVolume) (int, error) {
	if err := vol.Validate(); err != nil {
		return 0, err
	}
	c := b.combined
	if _, dup := c.IDs[vol.Name]; dup {
		return 0, fmt.Errorf("structure %q added twice", vol.Name)
	}

	if c.Volume == nil {
		c.Volume = &models.LabelVolume{
			Name:   "segmentations",
			Data:   make([]float64, vol.Voxels()),
			Width:  vol.Width,
			Height: vol.Height,
			Depth:  vol.Depth,
			Affine: vol.Affine,
		}
		c.Volume.VoxelSize = vol.VoxelSize
	} else if !c.Volume.SameGrid(vol) {
		return 0, fmt.Errorf("%w: %q is %dx%dx%d, expected %dx%dx%d", ErrGridMismatch, vol.Name,
			vol.Width, vol.Height, vol.Depth, c.Volume.Width, c.Volume.Height, c.Volume.Depth)
	}

	id := len(c.Names) + 1
	c.Names = append(c.Names, vol.Name)
	c.IDs[vol.Name] = id

	label := float64(id)
	for i, v := range vol.Data {
		if v > Threshold {
			c.Volume.Data[i] = label
		}
	}
	return id, nil
}

// Combined returns the label volume built so far; nil Volume when nothing
// was added.
func (b *Builder) Combined() *Combined {
	return b.combined
}

// Build sorts vols by name and paints them in that order.
func Build(vols []*models.LabelVolume) (*Combined, error) {
	sorted := append([]*models.LabelVolume(nil), vols...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	b := NewBuilder()
	for _, v := range sorted {
		if _, err := b.Add(v); err != nil {
			return nil, err
		}
	}
	return b.Combined(), nil
}

// Datatype returns the smallest unsigned NIfTI type that holds every id.
func (c *Combined) Datatype() int16 {
	if len(c.Names) <= 255 {
		return nifti.DTUint8
	}
	return nifti.DTUint16
}

// LabelID returns a pointer to name's id, or nil when name is not mapped.
func (c *Combined) LabelID(name string) *int {
	if c == nil {
		return nil
	}
	id, ok := c.IDs[name]
	if !ok {
		return nil
	}
	return &id
}

// Write stores the combined volume as NIfTI; .nii.gz paths are compressed.
func (c *Combined) Write(path string) error {
	if c.Volume == nil {
		return errors.New("empty label map")
	}
	return nifti.Write(path, c.Volume, c.Datatype())
}
