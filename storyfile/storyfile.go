// Package storyfile detects what kind of executable content a file on
// disk actually holds: a raw Z-code story, a raw Glulx story, or a Blorb
// resource archive wrapping one of the two. Only Z-code is ever handed to
// the engine; Glulx is recognized so the caller can report a clear
// "unsupported format" message instead of misreading it as corrupt
// Z-code.
package storyfile

import (
	"bytes"
	"fmt"

	"github.com/zmachine-go/zvm/iff"
)

// Format identifies the detected content of a story file.
type Format int

const (
	FormatUnknown Format = iota
	FormatZCode
	FormatGlulx
)

func (f Format) String() string {
	switch f {
	case FormatZCode:
		return "zcode"
	case FormatGlulx:
		return "glulx"
	default:
		return "unknown"
	}
}

// Detection is the outcome of Detect: the executable format found, and
// (for Blorb-wrapped content) the byte offset and length of the embedded
// executable chunk within the file.
type Detection struct {
	Format      Format
	ZCodeOffset int // start of raw Z-code bytes, 0 if the file itself is raw Z-code
	ZCodeLength int // length of the embedded chunk, 0 if not a Blorb
}

var glulxMagic = []byte("Glul")

// Detect classifies raw, and when it is a Blorb/IFF archive, locates the
// embedded story resource via its RIdx -> Exec entry.
func Detect(raw []byte) (Detection, error) {
	if len(raw) >= 4 && bytes.Equal(raw[:4], []byte("FORM")) {
		return detectBlorb(raw)
	}

	if len(raw) >= 4 && bytes.Equal(raw[:4], glulxMagic) {
		return Detection{Format: FormatGlulx}, nil
	}

	if len(raw) >= 1 && raw[0] >= 1 && raw[0] <= 8 {
		return Detection{Format: FormatZCode}, nil
	}

	return Detection{Format: FormatUnknown}, nil
}

func detectBlorb(raw []byte) (Detection, error) {
	form, err := iff.ReadForm(bytes.NewReader(raw))
	if err != nil {
		return Detection{}, fmt.Errorf("storyfile: %w", err)
	}
	if form.SubType != iff.NewChunkID("IFRS") {
		return Detection{Format: FormatUnknown}, nil
	}

	ridx, ok := form.Find(iff.NewChunkID("RIdx"))
	if !ok || len(ridx.Data) < 4 {
		return Detection{Format: FormatUnknown}, nil
	}

	count := int(ridx.Data[0])<<24 | int(ridx.Data[1])<<16 | int(ridx.Data[2])<<8 | int(ridx.Data[3])

	for i := 0; i < count; i++ {
		base := 4 + i*12
		if base+12 > len(ridx.Data) {
			break
		}
		usage := string(ridx.Data[base : base+4])
		number := int(ridx.Data[base+8])<<24 | int(ridx.Data[base+9])<<16 | int(ridx.Data[base+10])<<8 | int(ridx.Data[base+11])
		if usage != "Exec" || number != 0 {
			continue
		}
		start := int(ridx.Data[base+4])<<24 | int(ridx.Data[base+5])<<16 | int(ridx.Data[base+6])<<8 | int(ridx.Data[base+7])
		return detectEmbeddedExec(raw, start)
	}

	return Detection{Format: FormatUnknown}, nil
}

// detectEmbeddedExec reads the chunk header at byte offset start within
// the original file (RIdx offsets are relative to the start of the FORM,
// i.e. byte 0 of the file) and classifies its payload.
func detectEmbeddedExec(raw []byte, start int) (Detection, error) {
	if start+8 > len(raw) {
		return Detection{}, fmt.Errorf("storyfile: Exec resource offset %d out of range", start)
	}

	chunkID := string(raw[start : start+4])
	length := int(raw[start+4])<<24 | int(raw[start+5])<<16 | int(raw[start+6])<<8 | int(raw[start+7])
	dataStart := start + 8

	switch chunkID {
	case "ZCOD":
		return Detection{Format: FormatZCode, ZCodeOffset: dataStart, ZCodeLength: length}, nil
	case "GLUL":
		return Detection{Format: FormatGlulx, ZCodeOffset: dataStart, ZCodeLength: length}, nil
	default:
		return Detection{Format: FormatUnknown}, nil
	}
}
