package nifti

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"biometricvqa/internal/models"
)

func testVolume(dt int16) *models.Volume {
	vol := &models.Volume{
		Width:    4,
		Height:   3,
		Depth:    2,
		Datatype: dt,
	}
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = 0.8, 0.8, 2.5
	vol.Affine = [4][4]float64{
		{-0.8, 0, 0, 10},
		{0, 0.8, 0, -20},
		{0, 0, 2.5, 30},
		{0, 0, 0, 1},
	}
	vol.Data = make([]float64, vol.Len())
	for i := range vol.Data {
		vol.Data[i] = float64(i % 5)
	}
	return vol
}

func TestRoundTripAllDatatypes(t *testing.T) {
	dir := t.TempDir()
	for _, dt := range []int16{DTUint8, DTInt8, DTInt16, DTUint16, DTInt32, DTUint32, DTFloat32, DTFloat64} {
		for _, name := range []string{"vol.nii", "vol.nii.gz"} {
			path := filepath.Join(dir, name)
			want := testVolume(dt)
			if err := WriteFile(path, want); err != nil {
				t.Fatalf("dt %d %s: write failed: %v", dt, name, err)
			}

			got, err := ReadFile(path)
			if err != nil {
				t.Fatalf("dt %d %s: read failed: %v", dt, name, err)
			}
			if got.Dims() != want.Dims() {
				t.Fatalf("dt %d: dims %v, want %v", dt, got.Dims(), want.Dims())
			}
			if got.Datatype != dt {
				t.Errorf("dt %d: datatype changed to %d", dt, got.Datatype)
			}
			for i := range want.Data {
				if got.Data[i] != want.Data[i] {
					t.Fatalf("dt %d: voxel %d = %f, want %f", dt, i, got.Data[i], want.Data[i])
				}
			}
			if math.Abs(got.VoxelSize.Z-2.5) > 1e-6 {
				t.Errorf("dt %d: spacing z = %f", dt, got.VoxelSize.Z)
			}
			if math.Abs(got.Affine[0][0]+0.8) > 1e-6 || math.Abs(got.Affine[1][3]+20) > 1e-6 {
				t.Errorf("dt %d: affine not preserved: %v", dt, got.Affine)
			}
		}
	}
}

func TestScalingPreserved(t *testing.T) {
	vol := testVolume(DTInt16)
	vol.Slope = 0.5
	vol.Intercept = 1

	var buf bytes.Buffer
	if err := Encode(&buf, vol); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Slope != 0.5 || got.Intercept != 1 {
		t.Errorf("Expected slope 0.5 / intercept 1, got %f / %f", got.Slope, got.Intercept)
	}
	if got.Value(3) != 3*0.5+1 {
		t.Errorf("Scaled value mismatch: %f", got.Value(3))
	}
}

func TestDecodeBigEndianSpacingAffine(t *testing.T) {
	h := header{
		SizeofHdr: headerSize,
		Datatype:  DTUint8,
		Bitpix:    8,
		VoxOffset: dataOffset,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, 2, 2, 1, 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, 2, 3, 4, 1, 1, 1, 1}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &h); err != nil {
		t.Fatal(err)
	}
	buf.Write([]byte{0, 0, 0, 0})
	buf.Write([]byte{1, 2, 3, 4})

	vol, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if vol.Data[3] != 4 {
		t.Errorf("Unexpected data %v", vol.Data)
	}
	if vol.Affine[0][0] != 2 || vol.Affine[1][1] != 3 || vol.Affine[2][2] != 4 {
		t.Errorf("Expected spacing diagonal affine, got %v", vol.Affine)
	}
}

func TestDecodeQform(t *testing.T) {
	// 180 degree rotation about z: quaternion (0, 0, 0, 1)
	h := header{
		SizeofHdr: headerSize,
		Datatype:  DTUint8,
		Bitpix:    8,
		VoxOffset: dataOffset,
		QformCode: 1,
		QuaternD:  1,
		QoffsetX:  5,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, 1, 1, 1, 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &h)
	buf.Write([]byte{0, 0, 0, 0, 9})

	vol, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if vol.Affine[0][0] != -1 || vol.Affine[1][1] != -1 || vol.Affine[2][2] != 1 || vol.Affine[0][3] != 5 {
		t.Errorf("Unexpected qform affine %v", vol.Affine)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte("short"))); err == nil {
		t.Errorf("Expected error for a truncated header")
	}
	if _, err := Decode(bytes.NewReader(make([]byte, 400))); err == nil {
		t.Errorf("Expected error for a zeroed header")
	}

	vol := testVolume(DTUint8)
	var buf bytes.Buffer
	if err := Encode(&buf, vol); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]
	if _, err := Decode(bytes.NewReader(truncated)); err == nil {
		t.Errorf("Expected error for truncated voxel data")
	}

	path := filepath.Join(t.TempDir(), "garbage.nii.gz")
	os.WriteFile(path, []byte("not gzip"), 0644)
	if _, err := ReadFile(path); err == nil {
		t.Errorf("Expected error for a corrupt gzip stream")
	}
}

// setDims overwrites dim[1..3] of an encoded little-endian header.
func setDims(raw []byte, x, y, z int16) {
	binary.LittleEndian.PutUint16(raw[42:], uint16(x))
	binary.LittleEndian.PutUint16(raw[44:], uint16(y))
	binary.LittleEndian.PutUint16(raw[46:], uint16(z))
}

// TestDecodeRejectsOversizedHeaders verifies that dimensions a file cannot
// hold produce an error instead of a huge allocation.
func TestDecodeRejectsOversizedHeaders(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, testVolume(DTInt16)); err != nil {
		t.Fatal(err)
	}

	huge := bytes.Clone(buf.Bytes())
	setDims(huge, 0x7fff, 0x7fff, 0x7fff)
	if _, err := Decode(bytes.NewReader(huge)); err == nil {
		t.Errorf("Expected error for a 32767^3 volume")
	}

	// within the voxel limit but far larger than the data present
	large := bytes.Clone(buf.Bytes())
	setDims(large, 512, 512, 512)
	if _, err := Decode(bytes.NewReader(large)); err == nil {
		t.Errorf("Expected error for a stream shorter than its header")
	}

	dir := t.TempDir()
	plain := filepath.Join(dir, "large.nii")
	if err := os.WriteFile(plain, large, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(plain); err == nil {
		t.Errorf("Expected error for a file shorter than its header")
	}

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	gz.Write(large)
	gz.Close()
	compressed := filepath.Join(dir, "large.nii.gz")
	if err := os.WriteFile(compressed, gzBuf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(compressed); err == nil {
		t.Errorf("Expected error for a compressed stream shorter than its header")
	}
}

// TestDecodeMultipleChunks verifies volumes larger than one read chunk.
func TestDecodeMultipleChunks(t *testing.T) {
	vol := testVolume(DTUint16)
	vol.Width, vol.Height, vol.Depth = 64, 64, 40
	vol.Data = make([]float64, vol.Len())
	for i := range vol.Data {
		vol.Data[i] = float64(i % 65535)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, vol); err != nil {
		t.Fatal(err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got.Data) != len(vol.Data) {
		t.Fatalf("Expected %d voxels, got %d", len(vol.Data), len(got.Data))
	}
	for i := range vol.Data {
		if got.Data[i] != vol.Data[i] {
			t.Fatalf("Voxel %d = %f, want %f", i, got.Data[i], vol.Data[i])
		}
	}
}

func TestEncodeRejectsMismatchedData(t *testing.T) {
	vol := testVolume(DTUint8)
	vol.Data = vol.Data[:5]
	if err := Encode(&bytes.Buffer{}, vol); err == nil {
		t.Errorf("Expected error for data/dimension mismatch")
	}
	vol = testVolume(1)
	if err := Encode(&bytes.Buffer{}, vol); err == nil {
		t.Errorf("Expected error for an unsupported datatype")
	}
}
