package iff_test

import (
	"bytes"
	"testing"

	"github.com/zmachine-go/zvm/iff"
)

func TestWriteReadFormRoundTrip(t *testing.T) {
	chunks := []iff.Chunk{
		{ID: iff.NewChunkID("IFhd"), Data: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}}, // odd length, exercises padding
		{ID: iff.NewChunkID("CMem"), Data: []byte{0xaa, 0xbb}},
	}

	var buf bytes.Buffer
	if err := iff.WriteForm(&buf, iff.NewChunkID("IFZS"), chunks); err != nil {
		t.Fatalf("WriteForm: %v", err)
	}

	form, err := iff.ReadForm(&buf)
	if err != nil {
		t.Fatalf("ReadForm: %v", err)
	}

	if form.SubType.String() != "IFZS" {
		t.Fatalf("expected subtype IFZS, got %q", form.SubType)
	}
	if len(form.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(form.Chunks))
	}

	ifhd, ok := form.Find(iff.NewChunkID("IFhd"))
	if !ok || !bytes.Equal(ifhd.Data, chunks[0].Data) {
		t.Fatalf("IFhd chunk round-trip mismatch: %+v", ifhd)
	}
}
