package anatomy

import "anatomesh/internal/models"

// systemRule assigns a category to names containing any of its keywords.
type systemRule struct {
	system   models.SystemCategory
	keywords []string
}

// colorRule assigns a color to names containing any of its keywords.
type colorRule struct {
	keywords []string
	color    models.RGB
}

// boneKeywords are shared by the skeletal category and the bone color.
var boneKeywords = []string{
	"vertebra", "rib", "scapula", "femur", "clavicle", "humerus",
	"hip", "iliac", "sacrum", "bone", "mandible", "cranium", "skull",
}

// systemRules is evaluated top to bottom; the first hit wins. Order matters:
// "iliac_artery" is an artery, not a bone, and "portal_vein" never reaches
// the digestive rule even though it sits in the liver.
var systemRules = []systemRule{
	{models.SystemNervous, []string{"brain", "spinal cord", "mandibular canal"}},
	{models.SystemRespiratory, []string{"lung", "trachea"}},
	{models.SystemHeart, []string{
		"heart", "myocardium", "atrium", "ventricle", "atrial_appendage",
		"heartchambers_highres",
	}},
	{models.SystemArteries, []string{
		"artery", "aorta", "carotid", "subclavian", "brachiocephalic_trunk",
		"pulmonary_artery", "iliac_artery", "common_carotid",
	}},
	{models.SystemVeins, []string{
		"vein", "vena", "portal_vein", "splenic_vein", "brachiocephalic_vein",
		"inferior_vena_cava", "superior_vena_cava", "iliac_vena",
	}},
	{models.SystemDigestive, []string{
		"stomach", "liver", "colon", "small intestine", "duodenum",
		"esophagus", "oesophagus", "pancreas", "small bowel", "spleen",
	}},
	{models.SystemSkeletal, boneKeywords},
	{models.SystemMuscular, []string{"muscle", "gluteus", "psoas"}},
	{models.SystemUrinary, []string{"kidney", "urinary bladder", "bladder", "ureter"}},
	{models.SystemReproductive, []string{"prostate", "uterus", "ovary", "testis"}},
	{models.SystemEndocrine, []string{"thyroid", "adrenal", "pituitary"}},
}

// specificColors name individual structures and are checked before the
// generic colors. Keep the order: "heartchambers_highres" before "heart",
// "urinary bladder" before "bladder".
var specificColors = []colorRule{
	{[]string{"heartchambers_highres"}, models.RGB{R: 200, G: 90, B: 70}},
	{[]string{"gland"}, models.RGB{R: 238, G: 130, B: 25}},
	{[]string{"brain"}, models.RGB{R: 255, G: 180, B: 184}},
	{[]string{"cyst"}, models.RGB{R: 70, G: 230, B: 120}},
	{[]string{"gingiva"}, models.RGB{R: 255, G: 182, B: 193}},
	{[]string{"sinus"}, models.RGB{R: 25, G: 60, B: 255}},
	{[]string{"perforator"}, models.RGB{R: 255, G: 100, B: 50}},
	{[]string{"circumflex"}, models.RGB{R: 255, G: 100, B: 50}},
	{[]string{"colon"}, models.RGB{R: 200, G: 125, B: 140}},
	{[]string{"costal cartilages"}, models.RGB{R: 255, G: 255, B: 255}},
	{[]string{"sternum"}, models.RGB{R: 238, G: 206, B: 179}},
	{[]string{"heart"}, models.RGB{R: 200, G: 90, B: 70}},
	{[]string{"tongue"}, models.RGB{R: 255, G: 67, B: 129}},
	{[]string{"lung"}, models.RGB{R: 255, G: 182, B: 193}},
	{[]string{"liver"}, models.RGB{R: 150, G: 10, B: 10}},
	{[]string{"kidney"}, models.RGB{R: 139, G: 69, B: 19}},
	{[]string{"small bowel"}, models.RGB{R: 255, G: 192, B: 203}},
	{[]string{"pulmonary venous system"}, models.RGB{R: 4, G: 220, B: 250}},
	{[]string{"pudendal vein"}, models.RGB{R: 0, G: 255, B: 240}},
	{[]string{"penile veins"}, models.RGB{R: 220, G: 180, B: 255}},
	{[]string{"deep dorsal"}, models.RGB{R: 255, G: 0, B: 60}},
	{[]string{"cavernosus"}, models.RGB{R: 255, G: 164, B: 240}},
	{[]string{"spongiosus"}, models.RGB{R: 90, G: 255, B: 71}},
	{[]string{"obturator"}, models.RGB{R: 0, G: 255, B: 0}},
	{[]string{"vesical"}, models.RGB{R: 0, G: 127, B: 255}},
	{[]string{"sacral"}, models.RGB{R: 0, G: 180, B: 255}},
	{[]string{"spinal cord"}, models.RGB{R: 255, G: 255, B: 0}},
	{[]string{"santorini"}, models.RGB{R: 255, G: 255, B: 0}},
	{[]string{"prostate"}, models.RGB{R: 195, G: 0, B: 200}},
	{[]string{"thyroid"}, models.RGB{R: 255, G: 0, B: 217}},
	{[]string{"urinary bladder"}, models.RGB{R: 255, G: 255, B: 0}},
	{[]string{"arterial canal"}, models.RGB{R: 255, G: 255, B: 0}},
	{[]string{"ovaric"}, models.RGB{R: 255, G: 255, B: 0}},
	{[]string{"bladder"}, models.RGB{R: 0, G: 255, B: 0}},
}

// genericColors apply when no specific color matched.
var genericColors = []colorRule{
	{boneKeywords, BoneColor},
	{[]string{"trachea"}, models.RGB{R: 255, G: 255, B: 255}},
	{[]string{"vein", "vena"}, models.RGB{R: 0, G: 100, B: 255}},
	{[]string{"artery", "aorta", "carotid", "subclavian artery"}, ArteryColor},
	{[]string{"oesophagus", "esophagus", "stomach", "duodenum", "small intestine"}, models.RGB{R: 255, G: 192, B: 203}},
	{[]string{"pancreas", "spinal chord"}, models.RGB{R: 255, G: 255, B: 0}},
	{[]string{"spleen"}, models.RGB{R: 210, G: 30, B: 160}},
	{[]string{"muscle", "gluteus"}, models.RGB{R: 183, G: 86, B: 27}},
}

// Well-known colors.
var (
	BoneColor    = models.RGB{R: 238, G: 206, B: 179}
	ArteryColor  = models.RGB{R: 255, G: 0, B: 60}
	LiverColor   = models.RGB{R: 150, G: 10, B: 10}
	DefaultColor = models.RGB{R: 200, G: 200, B: 200}
)
