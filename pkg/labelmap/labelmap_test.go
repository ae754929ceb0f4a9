package labelmap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anatomesh/internal/models"
	"anatomesh/pkg/nifti"
)

func mask(name string, voxels ...int) *models.LabelVolume {
	vol := &models.LabelVolume{Name: name, Width: 3, Height: 2, Depth: 1}
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = 1, 1, 2
	vol.Affine = models.IdentityAffine(1, 1, 2)
	vol.Data = make([]float64, vol.Voxels())
	for _, v := range voxels {
		vol.Data[v] = 1
	}
	return vol
}

func TestBuildAssignsIDsInSortedOrder(t *testing.T) {
	combined, err := Build([]*models.LabelVolume{
		mask("spleen", 0),
		mask("aorta", 1),
		mask("liver", 2),
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"aorta": 1, "liver": 2, "spleen": 3}, combined.IDs)
	assert.Equal(t, []string{"aorta", "liver", "spleen"}, combined.Names)
	assert.Equal(t, []float64{3, 1, 2, 0, 0, 0}, combined.Volume.Data)
}

func TestBuildLastInSortedOrderWins(t *testing.T) {
	combined, err := Build([]*models.LabelVolume{
		mask("zeta", 0, 1),
		mask("alpha", 1, 2),
	})
	require.NoError(t, err)
	// voxel 1 is covered by both; zeta sorts last
	assert.Equal(t, []float64{2, 2, 1, 0, 0, 0}, combined.Volume.Data)
}

func TestBuildThreshold(t *testing.T) {
	vol := mask("faint")
	vol.Data[0] = 0.5
	vol.Data[1] = 0.51
	combined, err := Build([]*models.LabelVolume{vol})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0, 0, 0, 0}, combined.Volume.Data)
}

func TestBuildRejectsMismatchedGrids(t *testing.T) {
	other := mask("other")
	other.Width, other.Data = 6, make([]float64, 6*2)
	_, err := Build([]*models.LabelVolume{mask("a"), other})
	assert.ErrorIs(t, err, ErrGridMismatch)
}

func TestBuilderRejectsDuplicates(t *testing.T) {
	b := NewBuilder()
	_, err := b.Add(mask("liver"))
	require.NoError(t, err)
	_, err = b.Add(mask("liver"))
	assert.Error(t, err)
}

func TestLabelID(t *testing.T) {
	combined, err := Build([]*models.LabelVolume{mask("liver", 0)})
	require.NoError(t, err)
	require.NotNil(t, combined.LabelID("liver"))
	assert.Equal(t, 1, *combined.LabelID("liver"))
	assert.Nil(t, combined.LabelID("aorta"))

	var none *Combined
	assert.Nil(t, none.LabelID("liver"))
}

func TestWriteRoundTrip(t *testing.T) {
	combined, err := Build([]*models.LabelVolume{mask("aorta", 0, 3), mask("liver", 4)})
	require.NoError(t, err)
	assert.Equal(t, nifti.DTUint8, combined.Datatype())

	path := filepath.Join(t.TempDir(), "segmentations.nii.gz")
	require.NoError(t, combined.Write(path))

	vol, err := nifti.Read(path)
	require.NoError(t, err)
	assert.Equal(t, combined.Volume.Data, vol.Data)
	assert.Equal(t, 2.0, vol.VoxelSize.Z)
}

func TestWriteEmpty(t *testing.T) {
	assert.Error(t, NewBuilder().Combined().Write(filepath.Join(t.TempDir(), "x.nii")))
}
