// Package anatomy maps segmentation structure names to an anatomical system
// and a display color.
//
// Matching is a case-insensitive substring test against ordered rule tables,
// first match wins. The tables are part of the user-visible output (grouping
// and coloring in the viewer), so their order must not change casually.
package anatomy

import (
	"strings"

	"anatomesh/internal/models"
)

// Classify returns the system category and color for a structure name.
func Classify(name string) (models.SystemCategory, models.RGB) {
	return System(name), Color(name)
}

// System returns the anatomical system for a structure name, or
// models.SystemOther when no rule matches.
func System(name string) models.SystemCategory {
	n := strings.ToLower(name)
	for _, r := range systemRules {
		if containsAny(n, r.keywords) {
			return r.system
		}
	}
	return models.SystemOther
}

// Color returns the display color for a structure name. Specific names are
// checked before generic keywords; DefaultColor is the fallback.
func Color(name string) models.RGB {
	n := strings.ToLower(name)
	for _, table := range [][]colorRule{specificColors, genericColors} {
		for _, r := range table {
			if containsAny(n, r.keywords) {
				return r.color
			}
		}
	}
	return DefaultColor
}

// Classifier attaches classification to meshes.
type Classifier struct{}

// Structure builds a ClassifiedStructure for mesh named name.
func (Classifier) Structure(name string, mesh models.SurfaceMesh, labelID *int) models.ClassifiedStructure {
	system, color := Classify(name)
	return models.ClassifiedStructure{
		Mesh:    mesh,
		Name:    name,
		System:  system,
		Color:   color,
		LabelID: labelID,
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
