package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"anatomesh/internal/models"
)

// Write stores vol at path with the given datatype, gzip-compressed when the
// path ends in .gz.
func Write(path string, vol *models.LabelVolume, datatype int16) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	if strings.HasSuffix(path, ".gz") {
		zw := gzip.NewWriter(bw)
		if err := Encode(zw, vol, datatype); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
	} else if err := Encode(bw, vol, datatype); err != nil {
		return err
	}
	return bw.Flush()
}

// Encode writes vol as an uncompressed little-endian NIfTI-1 stream.
func Encode(w io.Writer, vol *models.LabelVolume, datatype int16) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	bitpix, err := bitsFor(datatype)
	if err != nil {
		return err
	}

	hdr := Header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  datatype,
		Bitpix:    bitpix,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XyztUnits: 2, // mm
		SformCode: 1,
		QformCode: 0,
	}
	hdr.Dim = [8]int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1}
	hdr.Pixdim = [8]float32{1, float32(vol.VoxelSize.X), float32(vol.VoxelSize.Y), float32(vol.VoxelSize.Z), 1, 1, 1, 1}
	a := vol.Affine
	if a[3][3] == 0 {
		a = models.IdentityAffine(vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z)
	}
	for j := 0; j < 4; j++ {
		hdr.SrowX[j] = float32(a[0][j])
		hdr.SrowY[j] = float32(a[1][j])
		hdr.SrowZ[j] = float32(a[2][j])
	}
	hdr.QoffsetX, hdr.QoffsetY, hdr.QoffsetZ = float32(a[0][3]), float32(a[1][3]), float32(a[2][3])
	copy(hdr.Magic[:], "n+1\x00")
	copy(hdr.Descrip[:], "anatomesh")

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	return writeVoxels(w, vol.Data, datatype)
}

func bitsFor(datatype int16) (int16, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 8, nil
	case DTInt16, DTUint16:
		return 16, nil
	case DTInt32, DTUint32, DTFloat32:
		return 32, nil
	case DTFloat64:
		return 64, nil
	}
	return 0, fmt.Errorf("%w: unsupported datatype %d", ErrFormat, datatype)
}

func writeVoxels(w io.Writer, data []float64, datatype int16) error {
	le := binary.LittleEndian
	switch datatype {
	case DTUint8:
		buf := make([]uint8, len(data))
		for i, v := range data {
			buf[i] = uint8(clamp(v, 0, math.MaxUint8))
		}
		return binary.Write(w, le, buf)
	case DTInt8:
		buf := make([]int8, len(data))
		for i, v := range data {
			buf[i] = int8(clamp(v, math.MinInt8, math.MaxInt8))
		}
		return binary.Write(w, le, buf)
	case DTInt16:
		buf := make([]int16, len(data))
		for i, v := range data {
			buf[i] = int16(clamp(v, math.MinInt16, math.MaxInt16))
		}
		return binary.Write(w, le, buf)
	case DTUint16:
		buf := make([]uint16, len(data))
		for i, v := range data {
			buf[i] = uint16(clamp(v, 0, math.MaxUint16))
		}
		return binary.Write(w, le, buf)
	case DTInt32:
		buf := make([]int32, len(data))
		for i, v := range data {
			buf[i] = int32(clamp(v, math.MinInt32, math.MaxInt32))
		}
		return binary.Write(w, le, buf)
	case DTUint32:
		buf := make([]uint32, len(data))
		for i, v := range data {
			buf[i] = uint32(clamp(v, 0, math.MaxUint32))
		}
		return binary.Write(w, le, buf)
	case DTFloat32:
		buf := make([]float32, len(data))
		for i, v := range data {
			buf[i] = float32(v)
		}
		return binary.Write(w, le, buf)
	case DTFloat64:
		return binary.Write(w, le, data)
	}
	return fmt.Errorf("%w: unsupported datatype %d", ErrFormat, datatype)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, math.Round(v)))
}
