// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz), the format the segmentation tool emits one mask per structure in.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"anatomesh/internal/models"
)

// Data type codes from the NIfTI-1 header.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

const (
	headerSize = 348
	voxOffset  = 352
)

// ErrFormat is returned for files that are not NIfTI-1 single-file volumes.
var ErrFormat = errors.New("nifti: invalid format")

// Header is the on-disk NIfTI-1 header.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// StructureName strips the NIfTI extension from a mask filename.
func StructureName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, ".nii")
}

// IsVolumeFile reports whether path carries a NIfTI extension.
func IsVolumeFile(path string) bool {
	return strings.HasSuffix(path, ".nii") || strings.HasSuffix(path, ".nii.gz")
}

// Read loads a volume from disk; the structure name is taken from the filename.
func Read(path string) (*models.LabelVolume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vol, err := Decode(bufio.NewReader(f), strings.HasSuffix(path, ".gz"))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	vol.Name = StructureName(path)
	return vol, nil
}

// Decode parses a NIfTI-1 stream, optionally gzip-compressed.
func Decode(r io.Reader, gz bool) (*models.LabelVolume, error) {
	if gz {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		defer zr.Close()
		r = zr
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw) == headerSize:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: bad header size", ErrFormat)
	}

	var hdr Header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%w: magic %q", ErrFormat, hdr.Magic[:3])
	}

	ndim := int(hdr.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrFormat, ndim)
	}
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < ndim; i++ {
		dims[i] = int(hdr.Dim[i+1])
		if dims[i] <= 0 {
			return nil, fmt.Errorf("%w: dimension %d is %d", ErrFormat, i, dims[i])
		}
	}

	// skip to the voxel data
	skip := int64(hdr.VoxOffset) - headerSize
	if skip < 0 {
		skip = voxOffset - headerSize
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	n := dims[0] * dims[1] * dims[2]
	data, err := readVoxels(r, order, hdr.Datatype, n)
	if err != nil {
		return nil, err
	}
	if hdr.SclSlope != 0 && !(hdr.SclSlope == 1 && hdr.SclInter == 0) {
		slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	vol := &models.LabelVolume{
		Data:   data,
		Width:  dims[0],
		Height: dims[1],
		Depth:  dims[2],
	}
	vol.VoxelSize.X = spacing(hdr.Pixdim[1])
	vol.VoxelSize.Y = spacing(hdr.Pixdim[2])
	vol.VoxelSize.Z = spacing(hdr.Pixdim[3])
	vol.Affine = affine(&hdr, vol)
	return vol, nil
}

func spacing(p float32) float64 {
	s := math.Abs(float64(p))
	if s == 0 || math.IsNaN(s) {
		return 1
	}
	return s
}

func affine(hdr *Header, vol *models.LabelVolume) [4][4]float64 {
	if hdr.SformCode > 0 {
		var a [4][4]float64
		for j := 0; j < 4; j++ {
			a[0][j] = float64(hdr.SrowX[j])
			a[1][j] = float64(hdr.SrowY[j])
			a[2][j] = float64(hdr.SrowZ[j])
		}
		a[3][3] = 1
		return a
	}
	a := models.IdentityAffine(vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z)
	a[0][3] = float64(hdr.QoffsetX)
	a[1][3] = float64(hdr.QoffsetY)
	a[2][3] = float64(hdr.QoffsetZ)
	return a
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	out := make([]float64, n)
	var err error
	switch datatype {
	case DTUint8:
		buf := make([]uint8, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTInt8:
		buf := make([]int8, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTInt16:
		buf := make([]int16, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTUint16:
		buf := make([]uint16, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTInt32:
		buf := make([]int32, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTUint32:
		buf := make([]uint32, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTFloat32:
		buf := make([]float32, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTFloat64:
		err = binary.Read(r, order, out)
	default:
		return nil, fmt.Errorf("%w: unsupported datatype %d", ErrFormat, datatype)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: voxel data: %v", ErrFormat, err)
	}
	return out, nil
}

// ListVolumes returns the NIfTI files directly inside dir, sorted by
// structure name.
func ListVolumes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !IsVolumeFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Slice(paths, func(i, j int) bool {
		return StructureName(paths[i]) < StructureName(paths[j])
	})
	return paths, nil
}
