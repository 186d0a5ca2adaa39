package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"
)

// ErrUnsupportedFormat is returned for TIFF layouts the decoder cannot read.
var ErrUnsupportedFormat = errors.New("unsupported raster format")

// TIFF tags used by the decoder and encoder.
const (
	tagImageWidth        = 256
	tagImageLength       = 257
	tagBitsPerSample     = 258
	tagCompression       = 259
	tagPhotometric       = 262
	tagStripOffsets      = 273
	tagSamplesPerPixel   = 277
	tagRowsPerStrip      = 278
	tagStripByteCounts   = 279
	tagPlanarConfig      = 284
	tagPredictor         = 317
	tagTileWidth         = 322
	tagSampleFormat      = 339
	tagModelPixelScale   = 33550
	tagModelTiepoint     = 33922
	tagGeoKeyDirectory   = 34735
	tagGDALNoData        = 42113
	geoKeyGeographicType = 2048
	geoKeyProjectedType  = 3072
)

const (
	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

const (
	dtByte     = 1
	dtASCII    = 2
	dtShort    = 3
	dtLong     = 4
	dtRational = 5
	dtSByte    = 6
	dtSShort   = 8
	dtSLong    = 9
	dtFloat    = 11
	dtDouble   = 12
)

var typeSize = map[uint16]int{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8,
	dtSByte: 1, dtSShort: 2, dtSLong: 4, dtFloat: 4, dtDouble: 8,
}

type ifdEntry struct {
	typ   uint16
	count uint32
	raw   []byte
}

type tiffFile struct {
	data  []byte
	order binary.ByteOrder
	tags  map[uint16]ifdEntry
}

// Decode reads a single-band GeoTIFF. Sample values are returned as stored;
// use MaskNoData to turn the file's nodata sentinel into NaN.
func Decode(data []byte) (*Band, error) {
	tf, err := parseTIFF(data)
	if err != nil {
		return nil, err
	}

	width, err := tf.scalar(tagImageWidth)
	if err != nil {
		return nil, err
	}
	height, err := tf.scalar(tagImageLength)
	if err != nil {
		return nil, err
	}
	if spp, err := tf.scalar(tagSamplesPerPixel); err == nil && spp > 1 {
		return nil, fmt.Errorf("%w: %d samples per pixel", ErrMultiBand, spp)
	}

	format := uint64(sampleUint)
	if v, err := tf.scalar(tagSampleFormat); err == nil {
		format = v
	}

	var samples []float64
	if format == sampleUint {
		samples, err = decodeUnsigned(data, int(width), int(height))
	} else {
		samples, err = tf.decodeStrips(int(width), int(height), format)
	}
	if err != nil {
		return nil, err
	}

	band := &Band{Rows: int(height), Cols: int(width), Data: samples}
	band.Transform = tf.geoTransform()
	band.EPSG = tf.epsg()
	if nd, ok := tf.noData(); ok {
		band.NoData = nd
		band.HasNoData = true
	}
	return band, nil
}

// MaskNoData returns a copy with every sample equal to the nodata sentinel set to NaN.
func (b *Band) MaskNoData() *Band {
	out := b.Clone()
	if !b.HasNoData {
		return out
	}
	for i, v := range out.Data {
		if v == b.NoData {
			out.Data[i] = math.NaN()
		}
	}
	return out
}

func decodeUnsigned(data []byte, width, height int) ([]float64, error) {
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return nil, fmt.Errorf("%w: decoded %dx%d, header says %dx%d", ErrUnsupportedFormat, b.Dx(), b.Dy(), width, height)
	}

	out := make([]float64, 0, width*height)
	switch im := img.(type) {
	case *image.Gray16:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out = append(out, float64(im.Gray16At(x, y).Y))
			}
		}
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out = append(out, float64(im.GrayAt(x, y).Y))
			}
		}
	default:
		return nil, fmt.Errorf("%w: %T is not a single-band image", ErrMultiBand, img)
	}
	return out, nil
}

func parseTIFF(data []byte) (*tiffFile, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: short header", ErrUnsupportedFormat)
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: not a TIFF file", ErrUnsupportedFormat)
	}
	if magic := order.Uint16(data[2:4]); magic != 42 {
		return nil, fmt.Errorf("%w: magic %d (BigTIFF is not supported)", ErrUnsupportedFormat, magic)
	}

	off := int(order.Uint32(data[4:8]))
	if off+2 > len(data) {
		return nil, fmt.Errorf("%w: IFD offset out of range", ErrUnsupportedFormat)
	}
	n := int(order.Uint16(data[off : off+2]))
	if off+2+n*12 > len(data) {
		return nil, fmt.Errorf("%w: truncated IFD", ErrUnsupportedFormat)
	}

	tf := &tiffFile{data: data, order: order, tags: make(map[uint16]ifdEntry, n)}
	for i := 0; i < n; i++ {
		e := data[off+2+i*12 : off+2+(i+1)*12]
		tag := order.Uint16(e[0:2])
		typ := order.Uint16(e[2:4])
		count := order.Uint32(e[4:8])
		size, ok := typeSize[typ]
		if !ok {
			continue
		}
		total := size * int(count)
		var raw []byte
		if total <= 4 {
			raw = e[8 : 8+total]
		} else {
			p := int(order.Uint32(e[8:12]))
			if p < 0 || p+total > len(data) {
				return nil, fmt.Errorf("%w: tag %d points outside the file", ErrUnsupportedFormat, tag)
			}
			raw = data[p : p+total]
		}
		tf.tags[tag] = ifdEntry{typ: typ, count: count, raw: raw}
	}
	return tf, nil
}

func (t *tiffFile) uints(tag uint16) ([]uint64, error) {
	e, ok := t.tags[tag]
	if !ok {
		return nil, fmt.Errorf("%w: missing tag %d", ErrUnsupportedFormat, tag)
	}
	out := make([]uint64, e.count)
	for i := range out {
		switch e.typ {
		case dtByte:
			out[i] = uint64(e.raw[i])
		case dtShort:
			out[i] = uint64(t.order.Uint16(e.raw[i*2:]))
		case dtLong:
			out[i] = uint64(t.order.Uint32(e.raw[i*4:]))
		default:
			return nil, fmt.Errorf("%w: tag %d has non-integer type %d", ErrUnsupportedFormat, tag, e.typ)
		}
	}
	return out, nil
}

func (t *tiffFile) scalar(tag uint16) (uint64, error) {
	v, err := t.uints(tag)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("%w: empty tag %d", ErrUnsupportedFormat, tag)
	}
	return v[0], nil
}

func (t *tiffFile) doubles(tag uint16) []float64 {
	e, ok := t.tags[tag]
	if !ok || e.typ != dtDouble {
		return nil
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(t.order.Uint64(e.raw[i*8:]))
	}
	return out
}

func (t *tiffFile) geoTransform() GeoTransform {
	scale := t.doubles(tagModelPixelScale)
	tie := t.doubles(tagModelTiepoint)
	if len(scale) < 2 || len(tie) < 6 {
		return GeoTransform{}
	}
	return GeoTransform{
		OriginX:     tie[3] - tie[0]*scale[0],
		OriginY:     tie[4] + tie[1]*scale[1],
		PixelWidth:  scale[0],
		PixelHeight: -scale[1],
	}
}

func (t *tiffFile) epsg() int {
	keys, err := t.uints(tagGeoKeyDirectory)
	if err != nil || len(keys) < 4 {
		return 0
	}
	var geographic int
	n := int(keys[3])
	for i := 0; i < n && 4+i*4+3 < len(keys); i++ {
		k := keys[4+i*4 : 4+i*4+4]
		// Only inline SHORT values (location 0) carry EPSG codes.
		if k[1] != 0 {
			continue
		}
		switch k[0] {
		case geoKeyProjectedType:
			return int(k[3])
		case geoKeyGeographicType:
			geographic = int(k[3])
		}
	}
	return geographic
}

func (t *tiffFile) noData() (float64, bool) {
	e, ok := t.tags[tagGDALNoData]
	if !ok || e.typ != dtASCII {
		return 0, false
	}
	s := strings.TrimRight(string(e.raw), "\x00 ")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// decodeStrips reads signed integer and floating point samples stored in strips,
// either uncompressed or deflated.
func (t *tiffFile) decodeStrips(width, height int, format uint64) ([]float64, error) {
	if _, tiled := t.tags[tagTileWidth]; tiled {
		return nil, fmt.Errorf("%w: tiled layout for sample format %d", ErrUnsupportedFormat, format)
	}
	bits, err := t.scalar(tagBitsPerSample)
	if err != nil {
		return nil, err
	}
	compression := uint64(1)
	if v, err := t.scalar(tagCompression); err == nil {
		compression = v
	}
	predictor := uint64(1)
	if v, err := t.scalar(tagPredictor); err == nil {
		predictor = v
	}
	if predictor != 1 {
		return nil, fmt.Errorf("%w: predictor %d", ErrUnsupportedFormat, predictor)
	}

	offsets, err := t.uints(tagStripOffsets)
	if err != nil {
		return nil, err
	}
	counts, err := t.uints(tagStripByteCounts)
	if err != nil {
		return nil, err
	}
	if len(offsets) != len(counts) {
		return nil, fmt.Errorf("%w: strip offsets and counts differ", ErrUnsupportedFormat)
	}

	var buf bytes.Buffer
	for i := range offsets {
		start, end := int(offsets[i]), int(offsets[i]+counts[i])
		if end > len(t.data) {
			return nil, fmt.Errorf("%w: strip %d out of range", ErrUnsupportedFormat, i)
		}
		chunk := t.data[start:end]
		switch compression {
		case 1:
			buf.Write(chunk)
		case 8, 32946:
			zr, err := zlib.NewReader(bytes.NewReader(chunk))
			if err != nil {
				return nil, fmt.Errorf("inflate strip %d: %w", i, err)
			}
			if _, err := io.Copy(&buf, zr); err != nil {
				zr.Close()
				return nil, fmt.Errorf("inflate strip %d: %w", i, err)
			}
			zr.Close()
		default:
			return nil, fmt.Errorf("%w: compression %d", ErrUnsupportedFormat, compression)
		}
	}

	size := int(bits / 8)
	raw := buf.Bytes()
	if len(raw) < width*height*size {
		return nil, fmt.Errorf("%w: %d bytes of pixel data, need %d", ErrUnsupportedFormat, len(raw), width*height*size)
	}

	out := make([]float64, width*height)
	for i := range out {
		p := raw[i*size:]
		switch {
		case format == sampleFloat && bits == 32:
			out[i] = float64(math.Float32frombits(t.order.Uint32(p)))
		case format == sampleFloat && bits == 64:
			out[i] = math.Float64frombits(t.order.Uint64(p))
		case format == sampleInt && bits == 8:
			out[i] = float64(int8(p[0]))
		case format == sampleInt && bits == 16:
			out[i] = float64(int16(t.order.Uint16(p)))
		case format == sampleInt && bits == 32:
			out[i] = float64(int32(t.order.Uint32(p)))
		default:
			return nil, fmt.Errorf("%w: %d-bit samples of format %d", ErrUnsupportedFormat, bits, format)
		}
	}
	return out, nil
}
