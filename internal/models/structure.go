package models

import "fmt"

// SystemCategory groups structures by anatomical system for display.
type SystemCategory string

const (
	SystemNervous      SystemCategory = "nervous"
	SystemRespiratory  SystemCategory = "respiratory"
	SystemHeart        SystemCategory = "heart_cardiovascular"
	SystemArteries     SystemCategory = "arteries_cardiovascular"
	SystemVeins        SystemCategory = "veins_cardiovascular"
	SystemDigestive    SystemCategory = "digestive"
	SystemSkeletal     SystemCategory = "skeletal"
	SystemMuscular     SystemCategory = "muscular"
	SystemUrinary      SystemCategory = "urinary"
	SystemReproductive SystemCategory = "reproductive"
	SystemEndocrine    SystemCategory = "endocrine"
	SystemOther        SystemCategory = "other"
)

// SystemCategories lists the closed category set.
var SystemCategories = []SystemCategory{
	SystemNervous, SystemRespiratory, SystemHeart, SystemArteries, SystemVeins,
	SystemDigestive, SystemSkeletal, SystemMuscular, SystemUrinary,
	SystemReproductive, SystemEndocrine, SystemOther,
}

// Valid reports whether c belongs to the closed category set.
func (c SystemCategory) Valid() bool {
	for _, s := range SystemCategories {
		if s == c {
			return true
		}
	}
	return false
}

// RGB is an 8-bit display color.
type RGB struct {
	R, G, B uint8
}

// Normalized returns the color components scaled to [0,1].
func (c RGB) Normalized() (float64, float64, float64) {
	return float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255
}

// Array returns the color as [r, g, b].
func (c RGB) Array() [3]int {
	return [3]int{int(c.R), int(c.G), int(c.B)}
}

func (c RGB) String() string {
	return fmt.Sprintf("rgb(%d,%d,%d)", c.R, c.G, c.B)
}

// ClassifiedStructure is a conditioned mesh ready for export.
type ClassifiedStructure struct {
	Mesh    SurfaceMesh
	Name    string
	System  SystemCategory
	Color   RGB
	LabelID *int
}

// ObjectLabel is the compound object/material name "{system}__{name}".
func (s ClassifiedStructure) ObjectLabel() string {
	return ObjectLabel(s.System, s.Name)
}

// ObjectLabel joins a category and a structure name.
func ObjectLabel(system SystemCategory, name string) string {
	return string(system) + "__" + name
}
