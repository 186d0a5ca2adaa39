package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// SampleType selects the on-disk sample encoding used by EncodeAs.
type SampleType int

const (
	// Float32 stores IEEE floats; used for derived index products.
	Float32 SampleType = iota
	// Uint16 stores unsigned digital numbers, the layout of Level-2 band files.
	Uint16
)

type outEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// Encode writes b as a single-band float32 GeoTIFF. NaN samples are written
// as b.NoData when HasNoData is set.
func Encode(w io.Writer, b *Band) error {
	return EncodeAs(w, b, Float32)
}

// EncodeAs writes b as an uncompressed little-endian single-strip GeoTIFF.
func EncodeAs(w io.Writer, b *Band, st SampleType) error {
	if err := b.Validate(); err != nil {
		return err
	}
	order := binary.LittleEndian

	var (
		bits   uint16
		format uint16
		pixels bytes.Buffer
	)
	switch st {
	case Float32:
		bits, format = 32, sampleFloat
		for _, v := range b.Data {
			if math.IsNaN(v) && b.HasNoData {
				v = b.NoData
			}
			_ = binary.Write(&pixels, order, float32(v))
		}
	case Uint16:
		bits, format = 16, sampleUint
		for _, v := range b.Data {
			if math.IsNaN(v) {
				v = b.NoData
			}
			_ = binary.Write(&pixels, order, uint16(math.Max(0, math.Min(65535, math.Round(v)))))
		}
	default:
		return fmt.Errorf("%w: sample type %d", ErrUnsupportedFormat, st)
	}

	short := func(vs ...uint16) []byte {
		out := make([]byte, 2*len(vs))
		for i, v := range vs {
			order.PutUint16(out[i*2:], v)
		}
		return out
	}
	long := func(v uint32) []byte {
		out := make([]byte, 4)
		order.PutUint32(out, v)
		return out
	}
	double := func(vs ...float64) []byte {
		out := make([]byte, 8*len(vs))
		for i, v := range vs {
			order.PutUint64(out[i*8:], math.Float64bits(v))
		}
		return out
	}

	entries := []outEntry{
		{tagImageWidth, dtLong, 1, long(uint32(b.Cols))},
		{tagImageLength, dtLong, 1, long(uint32(b.Rows))},
		{tagBitsPerSample, dtShort, 1, short(bits)},
		{tagCompression, dtShort, 1, short(1)},
		{tagPhotometric, dtShort, 1, short(1)},
		{tagStripOffsets, dtLong, 1, long(0)}, // patched below
		{tagSamplesPerPixel, dtShort, 1, short(1)},
		{tagRowsPerStrip, dtLong, 1, long(uint32(b.Rows))},
		{tagStripByteCounts, dtLong, 1, long(uint32(pixels.Len()))},
		{tagPlanarConfig, dtShort, 1, short(1)},
		{tagSampleFormat, dtShort, 1, short(format)},
	}
	if !b.Transform.IsZero() {
		t := b.Transform
		entries = append(entries,
			outEntry{tagModelPixelScale, dtDouble, 3, double(t.PixelWidth, -t.PixelHeight, 0)},
			outEntry{tagModelTiepoint, dtDouble, 6, double(0, 0, 0, t.OriginX, t.OriginY, 0)},
		)
	}
	if b.EPSG != 0 {
		model, key := uint16(1), uint16(geoKeyProjectedType)
		if b.EPSG == 4326 {
			model, key = 2, geoKeyGeographicType
		}
		keys := short(
			1, 1, 0, 3,
			1024, 0, 1, model,
			1025, 0, 1, 1,
			key, 0, 1, uint16(b.EPSG),
		)
		entries = append(entries, outEntry{tagGeoKeyDirectory, dtShort, 16, keys})
	}
	if b.HasNoData {
		s := strconv.FormatFloat(b.NoData, 'g', -1, 64) + "\x00"
		entries = append(entries, outEntry{tagGDALNoData, dtASCII, uint32(len(s)), []byte(s)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Layout: header, IFD, out-of-line tag values, pixel data.
	ifdSize := 2 + 12*len(entries) + 4
	extraOffset := 8 + ifdSize
	var extra bytes.Buffer
	offsets := make([]uint32, len(entries))
	for i, e := range entries {
		if len(e.data) > 4 {
			offsets[i] = uint32(extraOffset + extra.Len())
			extra.Write(e.data)
			if extra.Len()%2 == 1 {
				extra.WriteByte(0)
			}
		}
	}
	pixelOffset := uint32(extraOffset + extra.Len())
	for i := range entries {
		if entries[i].tag == tagStripOffsets {
			entries[i].data = long(pixelOffset)
		}
	}

	var out bytes.Buffer
	out.WriteString("II")
	out.Write(short(42))
	out.Write(long(8))
	out.Write(short(uint16(len(entries))))
	for i, e := range entries {
		out.Write(short(e.tag, e.typ))
		out.Write(long(e.count))
		if len(e.data) > 4 {
			out.Write(long(offsets[i]))
			continue
		}
		field := make([]byte, 4)
		copy(field, e.data)
		out.Write(field)
	}
	out.Write(long(0))
	out.Write(extra.Bytes())
	out.Write(pixels.Bytes())

	_, err := w.Write(out.Bytes())
	return err
}
