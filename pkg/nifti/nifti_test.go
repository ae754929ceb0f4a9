package nifti

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anatomesh/internal/models"
)

func testVolume() *models.LabelVolume {
	vol := &models.LabelVolume{Width: 4, Height: 3, Depth: 2}
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = 0.8, 0.8, 1.5
	vol.Data = make([]float64, vol.Voxels())
	for i := range vol.Data {
		vol.Data[i] = float64(i % 5)
	}
	vol.Affine = models.IdentityAffine(0.8, 0.8, 1.5)
	vol.Affine[0][3] = -10
	return vol
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, dt := range []int16{DTUint8, DTInt16, DTUint16, DTInt32, DTFloat32, DTFloat64} {
		vol := testVolume()
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, vol, dt))
		assert.Equal(t, voxOffset+vol.Voxels()*int(mustBits(t, dt))/8, buf.Len())

		got, err := Decode(&buf, false)
		require.NoError(t, err, "datatype %d", dt)
		assert.Equal(t, vol.Width, got.Width)
		assert.Equal(t, vol.Height, got.Height)
		assert.Equal(t, vol.Depth, got.Depth)
		assert.InDelta(t, 1.5, got.VoxelSize.Z, 1e-6)
		assert.Equal(t, vol.Data, got.Data)
		assert.InDelta(t, -10, got.Affine[0][3], 1e-6)
	}
}

func mustBits(t *testing.T, dt int16) int16 {
	b, err := bitsFor(dt)
	require.NoError(t, err)
	return b
}

func TestWriteReadGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liver.nii.gz")
	vol := testVolume()
	require.NoError(t, Write(path, vol, DTUint8))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "liver", got.Name)
	assert.Equal(t, vol.Data, got.Data)
}

func TestDecodeBigEndian(t *testing.T) {
	hdr := Header{SizeofHdr: headerSize, Datatype: DTInt16, Bitpix: 16, VoxOffset: voxOffset}
	hdr.Dim = [8]int16{3, 2, 1, 1, 1, 1, 1, 1}
	hdr.Pixdim = [8]float32{1, 1, 1, 1}
	copy(hdr.Magic[:], "n+1\x00")
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &hdr))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []int16{7, -3}))

	got, err := Decode(&buf, false)
	require.NoError(t, err)
	assert.Equal(t, []float64{7, -3}, got.Data)
}

func TestDecodeAppliesScaling(t *testing.T) {
	vol := testVolume()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, vol, DTUint8))
	raw := buf.Bytes()
	// scl_slope at offset 112, scl_inter at 116
	binary.LittleEndian.PutUint32(raw[112:], 0x40000000) // 2.0
	binary.LittleEndian.PutUint32(raw[116:], 0x3f800000) // 1.0

	got, err := Decode(bytes.NewReader(raw), false)
	require.NoError(t, err)
	for i, v := range vol.Data {
		assert.Equal(t, v*2+1, got.Data[i])
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader(make([]byte, 400)), false)
	assert.ErrorIs(t, err, ErrFormat)

	_, err = Decode(bytes.NewReader([]byte("short")), false)
	assert.ErrorIs(t, err, ErrFormat)

	_, err = Decode(bytes.NewReader([]byte("not gzip at all")), true)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestStructureName(t *testing.T) {
	assert.Equal(t, "aorta", StructureName("/tmp/seg/aorta.nii.gz"))
	assert.Equal(t, "liver", StructureName("liver.nii"))
	assert.True(t, IsVolumeFile("x.nii.gz"))
	assert.True(t, IsVolumeFile("x.nii"))
	assert.False(t, IsVolumeFile("x.json"))
}

func TestListVolumesSortsByStructureName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"spleen.nii.gz", "aorta.nii", "liver.nii.gz", "notes.txt"} {
		require.NoError(t, Write(filepath.Join(dir, name), testVolume(), DTUint8))
	}
	paths, err := ListVolumes(dir)
	require.NoError(t, err)

	var names []string
	for _, p := range paths {
		names = append(names, StructureName(p))
	}
	assert.Equal(t, []string{"aorta", "liver", "spleen"}, names)
}
