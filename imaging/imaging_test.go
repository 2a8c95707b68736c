package imaging_test

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/fourdof/scanner/imaging"
)

func solidImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	return img
}

func TestEncodeJPEGProducesValidSOIAndEOI(t *testing.T) {
	data, err := imaging.EncodeJPEG(solidImage(), 85)
	if err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Fatal("expected JPEG to start with SOI marker")
	}
	if data[len(data)-2] != 0xFF || data[len(data)-1] != 0xD9 {
		t.Fatal("expected JPEG to end with EOI marker")
	}
}

func TestInsertEXIFAddsAPP1SegmentAfterSOI(t *testing.T) {
	plain, err := imaging.EncodeJPEG(solidImage(), 85)
	if err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}

	fields := imaging.EXIFFields{
		Make:              "4DOF Scanner",
		Model:             "Scan Camera",
		DateTime:          time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
		ExposureTimeUS:    20000,
		ISOSpeed:          400,
		FNumber:           2.8,
		FocalLengthMM:     35,
		Flash:             true,
		ImageDescription:  "scan point 3",
		MachineX:          12.5,
		MachineY:          -4.25,
		MachineZ:          90,
	}

	out, err := imaging.InsertEXIF(plain, fields)
	if err != nil {
		t.Fatalf("insert exif: %v", err)
	}

	if out[0] != 0xFF || out[1] != 0xD8 {
		t.Fatal("expected output to still start with SOI")
	}
	if out[2] != 0xFF || out[3] != 0xE1 {
		t.Fatalf("expected APP1 marker immediately after SOI, got %x %x", out[2], out[3])
	}

	segLen := int(binary.BigEndian.Uint16(out[4:6]))
	if segLen <= 2 {
		t.Fatalf("unexpected APP1 segment length %d", segLen)
	}
	payload := out[6 : 6+segLen-2]
	if !bytes.HasPrefix(payload, []byte("Exif\x00\x00")) {
		t.Fatal("expected APP1 payload to start with Exif identifier")
	}

	tiff := payload[6:]
	if !bytes.HasPrefix(tiff, []byte("II")) {
		t.Fatal("expected little-endian TIFF byte order marker")
	}
	if binary.LittleEndian.Uint16(tiff[2:4]) != 42 {
		t.Fatal("expected TIFF magic number 42")
	}

	rest := out[6+segLen-2:]
	if !bytes.Equal(rest, plain[2:]) {
		t.Fatal("expected remainder of JPEG stream to be preserved unchanged after the inserted segment")
	}
}

func TestEncodeJPEGWithEXIFRoundTripsThroughEncodingPipeline(t *testing.T) {
	out, err := imaging.EncodeJPEGWithEXIF(solidImage(), 90, imaging.EXIFFields{
		Make:     "4DOF Scanner",
		DateTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("encode with exif: %v", err)
	}
	if out[0] != 0xFF || out[1] != 0xD8 || out[len(out)-2] != 0xFF || out[len(out)-1] != 0xD9 {
		t.Fatal("expected valid JPEG framing around the embedded EXIF segment")
	}
}

func TestInsertEXIFRejectsNonJPEGInput(t *testing.T) {
	_, err := imaging.InsertEXIF([]byte("not a jpeg"), imaging.EXIFFields{})
	if err == nil {
		t.Fatal("expected error for missing SOI marker")
	}
}
