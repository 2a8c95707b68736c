package imaging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// EXIF/TIFF tag type codes.
const (
	tBYTE     = 1
	tASCII    = 2
	tSHORT    = 3
	tLONG     = 4
	tRATIONAL = 5
)

// ifdEntry is one fully-resolved TIFF directory entry: either its value
// fits inline (<=4 bytes, left-padded with zero bytes to 4) or overflow
// holds the bytes to be placed in the IFD's data area, with value left
// as the eventual 4-byte offset to be filled in once that area's
// position is known.
type ifdEntry struct {
	tag      uint16
	typ      uint16
	count    uint32
	inline   []byte // used directly if non-nil and len<=4
	overflow []byte // used (with a resolved offset) when inline is nil
}

func asciiValue(s string) []byte {
	b := append([]byte(s), 0)
	return b
}

func rational(num, den uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], num)
	binary.LittleEndian.PutUint32(b[4:8], den)
	return b
}

// floatToRational converts a non-negative float to a num/den pair with a
// fixed denominator sufficient for the tenths/hundredths precision EXIF
// fields in this package actually need.
func floatToRational(v float64, den uint32) []byte {
	if v < 0 {
		v = -v
	}
	num := uint32(math.Round(v * float64(den)))
	return rational(num, den)
}

// serializeIFD lays out entries (already sorted by tag) starting at
// byteOffset within the overall TIFF blob, returning the IFD header+
// inline-value bytes followed immediately by its overflow data, and the
// total byte length consumed.
func serializeIFD(entries []ifdEntry, byteOffset uint32, nextIFDOffset uint32) []byte {
	var buf bytes.Buffer
	n := uint16(len(entries))
	binary.Write(&buf, binary.LittleEndian, n)

	headerLen := 2 + 12*len(entries) + 4
	dataStart := byteOffset + uint32(headerLen)

	// First pass: compute each overflow entry's offset and total size.
	offsets := make([]uint32, len(entries))
	running := dataStart
	for i, e := range entries {
		if e.inline != nil {
			continue
		}
		offsets[i] = running
		l := uint32(len(e.overflow))
		if l%2 == 1 {
			l++
		}
		running += l
	}

	for i, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.tag)
		binary.Write(&buf, binary.LittleEndian, e.typ)
		binary.Write(&buf, binary.LittleEndian, e.count)
		if e.inline != nil {
			var v [4]byte
			copy(v[:], e.inline)
			buf.Write(v[:])
		} else {
			var v [4]byte
			binary.LittleEndian.PutUint32(v[:], offsets[i])
			buf.Write(v[:])
		}
	}
	binary.Write(&buf, binary.LittleEndian, nextIFDOffset)

	for _, e := range entries {
		if e.inline != nil {
			continue
		}
		buf.Write(e.overflow)
		if len(e.overflow)%2 == 1 {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

func inlineUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func inlineUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// buildTIFF constructs the little-endian TIFF structure carried inside
// the EXIF APP1 segment: IFD0 (Make/Model/ImageDescription/DateTime plus
// pointers to the Exif and GPS sub-IFDs), the Exif sub-IFD
// (ExposureTime/FNumber/ISOSpeedRatings/FocalLength/Flash), and the GPS
// sub-IFD repurposed to carry the rig's machine position.
func buildTIFF(f EXIFFields) []byte {
	const headerLen = 8

	make_ := f.Make
	if make_ == "" {
		make_ = "4DOF Scanner"
	}
	model := f.Model
	if model == "" {
		model = "Scan Camera"
	}
	desc := f.ImageDescription

	dt := f.DateTime
	dtStr := fmt.Sprintf("%04d:%02d:%02d %02d:%02d:%02d\x00",
		dt.Year(), dt.Month(), dt.Day(), dt.Hour(), dt.Minute(), dt.Second())

	ifd0 := []ifdEntry{
		{tag: 270, typ: tASCII, count: uint32(len(desc) + 1), overflow: asciiValue(desc)},
		{tag: 271, typ: tASCII, count: uint32(len(make_) + 1), overflow: asciiValue(make_)},
		{tag: 272, typ: tASCII, count: uint32(len(model) + 1), overflow: asciiValue(model)},
		{tag: 306, typ: tASCII, count: uint32(len(dtStr)), overflow: []byte(dtStr)},
		{tag: 34665, typ: tLONG, count: 1, inline: make([]byte, 4)}, // ExifIFDPointer, patched below
		{tag: 34853, typ: tLONG, count: 1, inline: make([]byte, 4)}, // GPSInfoIFDPointer, patched below
	}

	flashVal := uint16(0)
	if f.Flash {
		flashVal = 1 // flag bit 0: flash fired
	}
	exifIFD := []ifdEntry{
		{tag: 33434, typ: tRATIONAL, count: 1, overflow: floatToRational(float64(f.ExposureTimeUS)/1e6, 1000000)},
		{tag: 33437, typ: tRATIONAL, count: 1, overflow: floatToRational(f.FNumber, 100)},
		{tag: 34855, typ: tSHORT, count: 1, inline: inlineUint16(uint16(f.ISOSpeed))},
		{tag: 37385, typ: tSHORT, count: 1, inline: inlineUint16(flashVal)},
		{tag: 37386, typ: tRATIONAL, count: 1, overflow: floatToRational(f.FocalLengthMM, 100)},
	}
	sortByTag(exifIFD)

	latRef := "N"
	if f.MachineX < 0 {
		latRef = "S"
	}
	lonRef := "E"
	if f.MachineY < 0 {
		lonRef = "W"
	}
	altRef := byte(0)
	if f.MachineZ < 0 {
		altRef = 1
	}
	gpsIFD := []ifdEntry{
		{tag: 1, typ: tASCII, count: 2, inline: asciiValue(latRef)},
		{tag: 2, typ: tRATIONAL, count: 3, overflow: concatRationals(
			floatToRational(math.Abs(f.MachineX), 1000), rational(0, 1), rational(0, 1))},
		{tag: 3, typ: tASCII, count: 2, inline: asciiValue(lonRef)},
		{tag: 4, typ: tRATIONAL, count: 3, overflow: concatRationals(
			floatToRational(math.Abs(f.MachineY), 1000), rational(0, 1), rational(0, 1))},
		{tag: 5, typ: tBYTE, count: 1, inline: []byte{altRef}},
		{tag: 6, typ: tRATIONAL, count: 1, overflow: floatToRational(math.Abs(f.MachineZ), 1000)},
	}

	sortByTag(ifd0)

	sizeIFD0 := 2 + 12*len(ifd0) + 4
	ifd0DataLen := overflowLen(ifd0)
	offsetExifIFD := uint32(headerLen + sizeIFD0 + ifd0DataLen)

	sizeExifIFD := 2 + 12*len(exifIFD) + 4
	exifDataLen := overflowLen(exifIFD)
	offsetGPSIFD := offsetExifIFD + uint32(sizeExifIFD+exifDataLen)

	// Patch IFD0's sub-IFD pointers now that offsets are known.
	for i := range ifd0 {
		switch ifd0[i].tag {
		case 34665:
			ifd0[i].inline = inlineUint32(offsetExifIFD)
		case 34853:
			ifd0[i].inline = inlineUint32(offsetGPSIFD)
		}
	}

	var out bytes.Buffer
	out.WriteString("II")
	binary.Write(&out, binary.LittleEndian, uint16(42))
	binary.Write(&out, binary.LittleEndian, uint32(headerLen))
	out.Write(serializeIFD(ifd0, headerLen, 0))
	out.Write(serializeIFD(exifIFD, offsetExifIFD, 0))
	out.Write(serializeIFD(gpsIFD, offsetGPSIFD, 0))
	return out.Bytes()
}

func overflowLen(entries []ifdEntry) int {
	total := 0
	for _, e := range entries {
		if e.inline == nil {
			l := len(e.overflow)
			if l%2 == 1 {
				l++
			}
			total += l
		}
	}
	return total
}

func concatRationals(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func sortByTag(entries []ifdEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].tag > entries[j].tag; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}
