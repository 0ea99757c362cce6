package storyfile_test

import (
	"bytes"
	"testing"

	"github.com/zmachine-go/zvm/iff"
	"github.com/zmachine-go/zvm/storyfile"
)

func TestDetectRawZCode(t *testing.T) {
	raw := append([]byte{3}, make([]byte, 63)...)
	d, err := storyfile.Detect(raw)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if d.Format != storyfile.FormatZCode {
		t.Fatalf("expected FormatZCode, got %v", d.Format)
	}
}

func TestDetectRawGlulx(t *testing.T) {
	raw := append([]byte("Glul"), make([]byte, 60)...)
	d, err := storyfile.Detect(raw)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if d.Format != storyfile.FormatGlulx {
		t.Fatalf("expected FormatGlulx, got %v", d.Format)
	}
}

func encodeLen(n int) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

func TestDetectBlorbWrappedZCode(t *testing.T) {
	zcode := append([]byte{3}, make([]byte, 63)...)

	// RIdx + Exec chunk headers are each 8 bytes ("FORM"-style id+len);
	// the RIdx data is 4 bytes (count) + 12 bytes per entry. With one
	// entry the Exec chunk's header starts right after all of that, plus
	// the 8-byte FORM header and 4-byte subtype that precede it.
	const formHeaderLen = 8
	const subTypeLen = 4
	const ridxHeaderLen = 8
	ridxDataLen := 4 + 12
	execChunkOffset := formHeaderLen + subTypeLen + ridxHeaderLen + ridxDataLen

	ridxData := append([]byte{}, encodeLen(1)...)
	ridxData = append(ridxData, []byte("Exec")...)
	ridxData = append(ridxData, encodeLen(execChunkOffset)...)
	ridxData = append(ridxData, encodeLen(0)...) // resource number 0

	chunks := []iff.Chunk{
		{ID: iff.NewChunkID("RIdx"), Data: ridxData},
		{ID: iff.NewChunkID("ZCOD"), Data: zcode},
	}

	var buf bytes.Buffer
	if err := iff.WriteForm(&buf, iff.NewChunkID("IFRS"), chunks); err != nil {
		t.Fatalf("WriteForm: %v", err)
	}

	d, err := storyfile.Detect(buf.Bytes())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if d.Format != storyfile.FormatZCode {
		t.Fatalf("expected FormatZCode from blorb wrapper, got %v (%+v)", d.Format, d)
	}
	if d.ZCodeLength != len(zcode) {
		t.Fatalf("expected embedded length %d, got %d", len(zcode), d.ZCodeLength)
	}
}
