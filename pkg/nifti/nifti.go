// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). Only the first 3D frame is kept. Stored values are preserved
// unscaled so a volume can be rewritten without loss.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"biometricvqa/internal/models"
)

// NIfTI-1 datatype codes
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
	dataOffset = 352

	// chunkVoxels is the number of voxels decoded per read
	chunkVoxels = 1 << 16
)

// MaxVoxels bounds the voxel count of a decoded volume. Larger headers are
// rejected before any voxel data is buffered.
const MaxVoxels = 1 << 28

// header is the on-disk NIfTI-1 header layout
type header struct {
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

// Codec reads and writes NIfTI files.
type Codec struct{}

// Read implements the volume codec interface.
func (Codec) Read(path string) (*models.Volume, error) {
	return ReadFile(path)
}

// Write implements the volume codec interface.
func (Codec) Write(path string, vol *models.Volume) error {
	return WriteFile(path, vol)
}

// ReadFile loads a volume from path. Files ending in .gz are decompressed.
func ReadFile(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		return Decode(gz)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return decode(r, info.Size())
}

// Decode reads a NIfTI-1 stream.
func Decode(r io.Reader) (*models.Volume, error) {
	return decode(r, -1)
}

// decode reads a NIfTI-1 stream of size bytes, or of unknown size when
// size is negative.
func decode(r io.Reader, size int64) (*models.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != headerSize {
		order = binary.BigEndian
		if int32(order.Uint32(raw)) != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr mismatch")
		}
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if h.Magic != [4]byte{'n', '+', '1', 0} {
		return nil, fmt.Errorf("unsupported NIfTI magic %q", h.Magic[:3])
	}

	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("invalid dimension count %d", ndim)
	}
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < ndim; i++ {
		if h.Dim[i+1] < 1 {
			return nil, fmt.Errorf("invalid size %d along axis %d", h.Dim[i+1], i)
		}
		dims[i] = int(h.Dim[i+1])
	}

	width, err := datatypeWidth(h.Datatype)
	if err != nil {
		return nil, err
	}

	// skip extensions up to the voxel data
	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("invalid vox_offset %g", h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("failed to skip extensions: %w", err)
	}

	n := dims[0] * dims[1] * dims[2]
	if n > MaxVoxels {
		return nil, fmt.Errorf("volume of %v voxels exceeds the %d voxel limit", dims, MaxVoxels)
	}
	if need := int64(h.VoxOffset) + int64(n)*int64(width); size >= 0 && need > size {
		return nil, fmt.Errorf("truncated voxel data: header needs %d bytes, file has %d", need, size)
	}

	data, err := readValues(r, order, h.Datatype, n, width)
	if err != nil {
		return nil, err
	}

	vol := &models.Volume{
		Data:      data,
		Width:     dims[0],
		Height:    dims[1],
		Depth:     dims[2],
		Datatype:  h.Datatype,
		Slope:     float64(h.SclSlope),
		Intercept: float64(h.SclInter),
	}
	if math.IsNaN(vol.Slope) || math.IsNaN(vol.Intercept) {
		vol.Slope, vol.Intercept = 0, 0
	}

	vol.VoxelSize.X = math.Abs(float64(h.Pixdim[1]))
	vol.VoxelSize.Y = math.Abs(float64(h.Pixdim[2]))
	vol.VoxelSize.Z = math.Abs(float64(h.Pixdim[3]))
	for _, s := range []*float64{&vol.VoxelSize.X, &vol.VoxelSize.Y, &vol.VoxelSize.Z} {
		if *s == 0 {
			*s = 1
		}
	}
	vol.Affine = affineFromHeader(&h, vol)

	return vol, nil
}

// WriteFile stores vol at path, gzip-compressed when path ends in .gz.
// The file is written to a temporary sibling first and renamed into place.
func WriteFile(path string, vol *models.Volume) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".nifti-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	if err := Encode(w, vol); err != nil {
		tmp.Close()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Encode writes vol as a little-endian NIfTI-1 stream.
func Encode(w io.Writer, vol *models.Volume) error {
	width, err := datatypeWidth(vol.Datatype)
	if err != nil {
		return err
	}
	if len(vol.Data) != vol.Len() {
		return fmt.Errorf("data length %d does not match dimensions %v", len(vol.Data), vol.Dims())
	}

	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  vol.Datatype,
		Bitpix:    int16(width * 8),
		VoxOffset: dataOffset,
		SclSlope:  float32(vol.Slope),
		SclInter:  float32(vol.Intercept),
		XyztUnits: 2, // mm
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(vol.VoxelSize.X), float32(vol.VoxelSize.Y), float32(vol.VoxelSize.Z), 1, 1, 1, 1}
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(vol.Affine[0][c])
		h.SrowY[c] = float32(vol.Affine[1][c])
		h.SrowZ[c] = float32(vol.Affine[2][c])
	}
	if vol.Affine[3][3] == 0 {
		// no affine recorded: fall back to spacing along the voxel axes
		h.SrowX = [4]float32{float32(vol.VoxelSize.X), 0, 0, 0}
		h.SrowY = [4]float32{0, float32(vol.VoxelSize.Y), 0, 0}
		h.SrowZ = [4]float32{0, 0, float32(vol.VoxelSize.Z), 0}
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, len(vol.Data)*width)
	encodeValues(buf, vol.Datatype, vol.Data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return nil
}

func datatypeWidth(dt int16) (int, error) {
	switch dt {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported NIfTI datatype %d", dt)
}

// readValues decodes n voxels chunk by chunk, so a stream shorter than its
// header claims fails before the whole volume is allocated.
func readValues(r io.Reader, order binary.ByteOrder, dt int16, n, width int) ([]float64, error) {
	data := make([]float64, 0, min(n, chunkVoxels))
	buf := make([]byte, min(n, chunkVoxels)*width)
	for len(data) < n {
		m := min(n-len(data), chunkVoxels)
		if _, err := io.ReadFull(r, buf[:m*width]); err != nil {
			return nil, fmt.Errorf("truncated voxel data (%d of %d voxels read): %w", len(data), n, err)
		}
		start := len(data)
		data = append(data, make([]float64, m)...)
		decodeValues(buf[:m*width], order, dt, data[start:])
	}
	return data, nil
}

func decodeValues(buf []byte, order binary.ByteOrder, dt int16, out []float64) {
	for i := range out {
		switch dt {
		case DTUint8:
			out[i] = float64(buf[i])
		case DTInt8:
			out[i] = float64(int8(buf[i]))
		case DTInt16:
			out[i] = float64(int16(order.Uint16(buf[i*2:])))
		case DTUint16:
			out[i] = float64(order.Uint16(buf[i*2:]))
		case DTInt32:
			out[i] = float64(int32(order.Uint32(buf[i*4:])))
		case DTUint32:
			out[i] = float64(order.Uint32(buf[i*4:]))
		case DTFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(buf[i*4:])))
		case DTFloat64:
			out[i] = math.Float64frombits(order.Uint64(buf[i*8:]))
		}
	}
}

func encodeValues(buf []byte, dt int16, in []float64) {
	le := binary.LittleEndian
	for i, v := range in {
		switch dt {
		case DTUint8:
			buf[i] = uint8(v)
		case DTInt8:
			buf[i] = byte(int8(v))
		case DTInt16:
			le.PutUint16(buf[i*2:], uint16(int16(v)))
		case DTUint16:
			le.PutUint16(buf[i*2:], uint16(v))
		case DTInt32:
			le.PutUint32(buf[i*4:], uint32(int32(v)))
		case DTUint32:
			le.PutUint32(buf[i*4:], uint32(v))
		case DTFloat32:
			le.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
		case DTFloat64:
			le.PutUint64(buf[i*8:], math.Float64bits(v))
		}
	}
}

// affineFromHeader prefers sform, then qform, then plain spacing.
func affineFromHeader(h *header, vol *models.Volume) [4][4]float64 {
	var a [4][4]float64
	a[3][3] = 1

	if h.SformCode > 0 {
		for c := 0; c < 4; c++ {
			a[0][c] = float64(h.SrowX[c])
			a[1][c] = float64(h.SrowY[c])
			a[2][c] = float64(h.SrowZ[c])
		}
		return a
	}

	if h.QformCode > 0 {
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		aa := 1 - (b*b + c*c + d*d)
		if aa < 1e-7 {
			aa = 0
		}
		q := math.Sqrt(aa)
		qfac := float64(h.Pixdim[0])
		if qfac == 0 {
			qfac = 1
		}
		r := [3][3]float64{
			{q*q + b*b - c*c - d*d, 2 * (b*c - q*d), 2 * (b*d + q*c)},
			{2 * (b*c + q*d), q*q + c*c - b*b - d*d, 2 * (c*d - q*b)},
			{2 * (b*d - q*c), 2 * (c*d + q*b), q*q + d*d - c*c - b*b},
		}
		s := [3]float64{vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z * qfac}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a[i][j] = r[i][j] * s[j]
			}
		}
		a[0][3] = float64(h.QoffsetX)
		a[1][3] = float64(h.QoffsetY)
		a[2][3] = float64(h.QoffsetZ)
		return a
	}

	a[0][0] = vol.VoxelSize.X
	a[1][1] = vol.VoxelSize.Y
	a[2][2] = vol.VoxelSize.Z
	return a
}
