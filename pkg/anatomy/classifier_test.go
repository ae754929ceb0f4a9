package anatomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"anatomesh/internal/models"
)

func TestSystem(t *testing.T) {
	tests := []struct {
		name string
		want models.SystemCategory
	}{
		{"brain", models.SystemNervous},
		{"Spinal Cord", models.SystemNervous},
		{"lung_upper_lobe_left", models.SystemRespiratory},
		{"trachea", models.SystemRespiratory},
		{"heart", models.SystemHeart},
		{"heartchambers_highres", models.SystemHeart},
		{"atrial_appendage_left", models.SystemHeart},
		{"aorta", models.SystemArteries},
		{"iliac_artery_left", models.SystemArteries},
		{"common_carotid_artery_right", models.SystemArteries},
		{"portal_vein_and_splenic_vein", models.SystemVeins},
		{"inferior_vena_cava", models.SystemVeins},
		{"iliac_vena_right", models.SystemVeins},
		{"liver", models.SystemDigestive},
		{"LIVER", models.SystemDigestive},
		{"esophagus", models.SystemDigestive},
		{"spleen", models.SystemDigestive},
		{"vertebrae_L1", models.SystemSkeletal},
		{"rib_left_3", models.SystemSkeletal},
		{"hip_right", models.SystemSkeletal},
		{"skull", models.SystemSkeletal},
		{"gluteus_maximus_left", models.SystemMuscular},
		{"iliopsoas_left", models.SystemMuscular},
		{"kidney_right", models.SystemUrinary},
		{"urinary_bladder", models.SystemUrinary},
		{"prostate", models.SystemReproductive},
		{"thyroid_gland", models.SystemEndocrine},
		{"adrenal_gland_left", models.SystemEndocrine},
		{"unknown_structure", models.SystemOther},
		{"", models.SystemOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, System(tt.name))
		})
	}
}

func TestSystemPrecedence(t *testing.T) {
	// higher rules shadow lower ones
	assert.Equal(t, models.SystemVeins, System("liver_vein"), "veins before digestive")
	assert.Equal(t, models.SystemArteries, System("iliac_artery"), "arteries before skeletal")
	assert.Equal(t, models.SystemRespiratory, System("lung_vessels_artery"), "respiratory before arteries")
	assert.Equal(t, models.SystemHeart, System("heart_ventricle_vein"), "heart before veins")
	assert.Equal(t, models.SystemNervous, System("brain_stem_bone"), "nervous before skeletal")
	// "ribbon" contains "rib"
	assert.Equal(t, models.SystemSkeletal, System("ribbon"))
}

func TestColor(t *testing.T) {
	tests := []struct {
		name string
		want models.RGB
	}{
		{"liver", LiverColor},
		{"aorta", ArteryColor},
		{"heartchambers_highres", models.RGB{R: 200, G: 90, B: 70}},
		{"heart_myocardium", models.RGB{R: 200, G: 90, B: 70}},
		{"brain", models.RGB{R: 255, G: 180, B: 184}},
		{"colon", models.RGB{R: 200, G: 125, B: 140}},
		{"kidney_left", models.RGB{R: 139, G: 69, B: 19}},
		{"thyroid_gland", models.RGB{R: 238, G: 130, B: 25}},
		{"urinary bladder", models.RGB{R: 255, G: 255, B: 0}},
		{"urinary_bladder", models.RGB{R: 0, G: 255, B: 0}},
		{"sternum", BoneColor},
		{"femur_left", BoneColor},
		{"trachea", models.RGB{R: 255, G: 255, B: 255}},
		{"portal_vein_and_splenic_vein", models.RGB{R: 0, G: 100, B: 255}},
		{"inferior_vena_cava", models.RGB{R: 0, G: 100, B: 255}},
		{"common_carotid_artery_left", ArteryColor},
		{"esophagus", models.RGB{R: 255, G: 192, B: 203}},
		{"pancreas", models.RGB{R: 255, G: 255, B: 0}},
		{"spleen", models.RGB{R: 210, G: 30, B: 160}},
		{"gluteus_medius_right", models.RGB{R: 183, G: 86, B: 27}},
		{"iliopsoas_left", DefaultColor},
		{"unknown", DefaultColor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Color(tt.name))
		})
	}
}

func TestColorPrecedence(t *testing.T) {
	// specific colors come before generic ones
	assert.Equal(t, LiverColor, Color("liver_vein"))
	assert.Equal(t, models.RGB{R: 139, G: 69, B: 19}, Color("kidney_artery"))
	// bone keywords come before vessels
	assert.Equal(t, BoneColor, Color("iliac_artery_left"))
	// veins come before arteries
	assert.Equal(t, models.RGB{R: 0, G: 100, B: 255}, Color("pulmonary_vein_artery"))
}

func TestClassifierStructure(t *testing.T) {
	id := 3
	s := Classifier{}.Structure("aorta", models.SurfaceMesh{}, &id)
	assert.Equal(t, models.SystemArteries, s.System)
	assert.Equal(t, ArteryColor, s.Color)
	assert.Equal(t, "arteries_cardiovascular__aorta", s.ObjectLabel())
	assert.Equal(t, 3, *s.LabelID)
}

func TestClassifyIsPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		s1, c1 := Classify(name)
		s2, c2 := Classify(name)
		if s1 != s2 || c1 != c2 {
			t.Fatalf("classification of %q is not stable", name)
		}
		if !s1.Valid() {
			t.Fatalf("category %q outside the closed set", s1)
		}
	})
}

func TestClassifyIgnoresCase(t *testing.T) {
	keywords := []string{"liver", "aorta", "brain", "kidney", "vertebrae", "trachea", "spleen"}
	rapid.Check(t, func(t *rapid.T) {
		kw := rapid.SampledFrom(keywords).Draw(t, "keyword")
		prefix := rapid.StringMatching(`[a-z_]{0,6}`).Draw(t, "prefix")
		upper := []byte(prefix + kw)
		for i := range upper {
			if rapid.Bool().Draw(t, "upper") && upper[i] >= 'a' && upper[i] <= 'z' {
				upper[i] -= 'a' - 'A'
			}
		}
		s1, c1 := Classify(prefix + kw)
		s2, c2 := Classify(string(upper))
		if s1 != s2 || c1 != c2 {
			t.Fatalf("%q and %q classify differently", prefix+kw, upper)
		}
	})
}
