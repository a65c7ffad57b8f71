package volume

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"miqa/internal/models"
)

// niftiHeader is the 348-byte NIfTI-1 header.
type niftiHeader struct {
	SizeofHdr      int32
	DataType       [10]byte
	DbName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      byte
	XyztUnits      byte
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	Glmax          int32
	Glmin          int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QformCode      int16
	SformCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QoffsetX       float32
	QoffsetY       float32
	QoffsetZ       float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
}

const niftiHeaderSize = 348

// NIfTI-1 datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

var errNotNIfTI = errors.New("not a NIfTI-1 file")

// IsNIfTI reports whether path has a NIfTI file extension.
func IsNIfTI(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// openMaybeGzip opens path and transparently decompresses gzip content.
func openMaybeGzip(path string) (io.Reader, func() error, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	buffered := bufio.NewReader(file)
	magic, err := buffered.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		return gz, func() error {
			gz.Close()
			return file.Close()
		}, nil
	}
	return buffered, file.Close, nil
}

func readNIfTIHeader(r io.Reader) (*niftiHeader, binary.ByteOrder, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != niftiHeaderSize {
		if int32(binary.BigEndian.Uint32(raw)) != niftiHeaderSize {
			return nil, nil, errNotNIfTI
		}
		order = binary.BigEndian
	}

	hdr := &niftiHeader{}
	if err := binary.Read(bytes.NewReader(raw), order, hdr); err != nil {
		return nil, nil, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Magic[0] != 'n' || (hdr.Magic[1] != '+' && hdr.Magic[1] != 'i') || hdr.Magic[2] != '1' {
		return nil, nil, errNotNIfTI
	}
	return hdr, order, nil
}

// shape maps NIfTI dims (x, y, z, then non-spatial) to a volume shape.
// Every dimension past the third is folded into the channel count.
func (h *niftiHeader) shape() (models.Shape, error) {
	ndim := int(h.Dim[0])
	if ndim < 3 || ndim > 7 {
		return models.Shape{}, fmt.Errorf("expected a 3D image, header has %d dimensions", ndim)
	}
	channels := 1
	for d := 4; d <= ndim; d++ {
		if h.Dim[d] > 0 {
			channels *= int(h.Dim[d])
		}
	}
	shape := models.Shape{
		Channels: channels,
		Width:    int(h.Dim[1]),
		Height:   int(h.Dim[2]),
		Depth:    int(h.Dim[3]),
	}
	if shape.Width <= 0 || shape.Height <= 0 || shape.Depth <= 0 {
		return models.Shape{}, fmt.Errorf("image has zero extent %dx%dx%d", shape.Width, shape.Height, shape.Depth)
	}
	return shape, nil
}

// ReadNIfTIShape reads only the header of a NIfTI file.
func ReadNIfTIShape(path string) (models.Shape, error) {
	r, closer, err := openMaybeGzip(path)
	if err != nil {
		return models.Shape{}, err
	}
	defer closer()

	hdr, _, err := readNIfTIHeader(r)
	if err != nil {
		return models.Shape{}, fmt.Errorf("%s: %w", path, err)
	}
	shape, err := hdr.shape()
	if err != nil {
		return models.Shape{}, fmt.Errorf("%s: %w", path, err)
	}
	return shape, nil
}

// LoadNIfTI reads a .nii or .nii.gz file into a volume. Intensities are
// returned as stored, after applying scl_slope/scl_inter when set.
func LoadNIfTI(path string) (*models.Volume, error) {
	r, closer, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer closer()

	hdr, order, err := readNIfTIHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	shape, err := hdr.shape()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	skip := int64(hdr.VoxOffset) - niftiHeaderSize
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("%s: skip to voxel data: %w", path, err)
		}
	}

	bytesPer := int(hdr.Bitpix) / 8
	if bytesPer <= 0 {
		return nil, fmt.Errorf("%s: invalid bitpix %d", path, hdr.Bitpix)
	}
	raw := make([]byte, shape.Voxels()*bytesPer)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%s: read voxel data: %w", path, err)
	}

	data, err := decodeVoxels(raw, hdr.Datatype, order)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if hdr.SclSlope != 0 && !(hdr.SclSlope == 1 && hdr.SclInter == 0) {
		slope := float64(hdr.SclSlope)
		inter := float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	v := &models.Volume{
		Data:    data,
		Shape:   shape,
		Spacing: [3]float64{1, 1, 1},
		Path:    path,
	}
	// pixdim[1..3] are x, y, z spacings; Spacing is z, y, x
	for axis, d := range []int{3, 2, 1} {
		if p := float64(hdr.Pixdim[d]); p > 0 {
			v.Spacing[axis] = p
		}
	}
	return v, nil
}

func decodeVoxels(raw []byte, datatype int16, order binary.ByteOrder) ([]float64, error) {
	switch datatype {
	case dtUint8:
		out := make([]float64, len(raw))
		for i, b := range raw {
			out[i] = float64(b)
		}
		return out, nil
	case dtInt8:
		out := make([]float64, len(raw))
		for i, b := range raw {
			out[i] = float64(int8(b))
		}
		return out, nil
	case dtInt16, dtUint16:
		out := make([]float64, len(raw)/2)
		for i := range out {
			u := order.Uint16(raw[2*i:])
			if datatype == dtInt16 {
				out[i] = float64(int16(u))
			} else {
				out[i] = float64(u)
			}
		}
		return out, nil
	case dtInt32, dtUint32:
		out := make([]float64, len(raw)/4)
		for i := range out {
			u := order.Uint32(raw[4*i:])
			if datatype == dtInt32 {
				out[i] = float64(int32(u))
			} else {
				out[i] = float64(u)
			}
		}
		return out, nil
	case dtFloat32:
		out := make([]float64, len(raw)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(raw[4*i:])))
		}
		return out, nil
	case dtFloat64:
		out := make([]float64, len(raw)/8)
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(raw[8*i:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
}

// SaveNIfTI writes v as a little-endian float32 NIfTI-1 file, gzip
// compressed when path ends in .gz.
func SaveNIfTI(path string, v *models.Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}

	hdr := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: niftiHeaderSize + 4,
		SclSlope:  1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim = [8]int16{3, int16(v.Shape.Width), int16(v.Shape.Height), int16(v.Shape.Depth), 1, 1, 1, 1}
	if v.Shape.Channels > 1 {
		hdr.Dim[0] = 4
		hdr.Dim[4] = int16(v.Shape.Channels)
	}
	hdr.Pixdim = [8]float32{1, float32(v.Spacing[2]), float32(v.Spacing[1]), float32(v.Spacing[0]), 1, 1, 1, 1}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var w io.Writer = file
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(file)
		w = gz
	}
	buffered := bufio.NewWriter(w)

	if err := binary.Write(buffered, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	// empty extension block
	if _, err := buffered.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	word := make([]byte, 4)
	for _, value := range v.Data {
		binary.LittleEndian.PutUint32(word, math.Float32bits(float32(value)))
		if _, err := buffered.Write(word); err != nil {
			return err
		}
	}

	if err := buffered.Flush(); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return file.Close()
}
