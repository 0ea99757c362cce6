package zstring

import (
	"encoding/binary"
	"testing"

	"github.com/zmachine-go/zvm/zcore"
)

// newTestCore builds a minimal, syntactically valid story image of the
// given version with story-specific bytes appended after the header, so
// that Decode/EncodeDictionaryWord can be exercised without a real game
// file on disk.
func newTestCore(t *testing.T, version uint8, tail []uint8) (*zcore.Core, uint32) {
	t.Helper()

	header := make([]uint8, 0x40)
	header[0x00] = version
	binary.BigEndian.PutUint16(header[0x0e:0x10], 0x40) // static memory base
	binary.BigEndian.PutUint16(header[0x1a:0x1c], uint16(len(header)+len(tail))/2)

	story := append(header, tail...)

	core, err := zcore.Load(story)
	if err != nil {
		t.Fatalf("zcore.Load: %v", err)
	}
	return core, uint32(len(header))
}

func TestZStringDecoding(t *testing.T) {
	tests := []struct {
		name      string
		version   uint8
		in        []uint8
		out       string
		bytesRead uint32
	}{
		{
			name:      "zscii escape",
			version:   1,
			in:        []uint8{12, 193, 248, 165},
			out:       ">",
			bytesRead: 4,
		},
		{
			name:      "simple word",
			version:   3,
			in:        []uint8{0xbb, 0x25}, // single terminated word: 'i','t' in A0, then pad 5
			out:       "it",
			bytesRead: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, addr := newTestCore(t, tt.version, tt.in)
			alphabets := NewAlphabets(core)

			zstr, bytesRead := Decode(core, alphabets, addr)

			if zstr != tt.out {
				t.Fatalf("zstr read incorrectly expected=%q, actual=%q", tt.out, zstr)
			}
			if bytesRead != tt.bytesRead {
				t.Fatalf("zstr read incorrect number of bytes expected=%d, actual=%d", tt.bytesRead, bytesRead)
			}
		})
	}
}

func TestEncodeDictionaryWordLayout(t *testing.T) {
	core, _ := newTestCore(t, 3, nil)
	alphabets := NewAlphabets(core)

	words := EncodeDictionaryWord("xyzzy", alphabets, 3, core)
	if len(words) != 2 {
		t.Fatalf("expected 2 words for v3 dictionary entry, got %d", len(words))
	}
	if words[1]&0x8000 == 0 {
		t.Fatalf("last word must have end-of-string bit set")
	}
}

func TestV3Abbreviations(t *testing.T) {
	// Build a story with abbreviation table entry 0 pointing at the
	// string "hi" and a main string that references abbreviation 0 via
	// z-char 1 (abbreviation set 1) followed by index 0.
	header := make([]uint8, 0x40)
	header[0x00] = 3
	binary.BigEndian.PutUint16(header[0x0e:0x10], 0x100)
	binary.BigEndian.PutUint16(header[0x18:0x1a], 0x40) // abbreviation table base

	abbrTable := make([]uint8, 64) // 32 entries * 2 bytes, room for more
	// abbreviation string "hi" lives right after the table, at byte offset.
	abbrStringAddr := uint16(0x40 + len(abbrTable))
	binary.BigEndian.PutUint16(abbrTable[0:2], abbrStringAddr/2)

	// Encode "hi" as a v3 z-string: h=6+7=13, i=6+8=14, pad with 5s.
	w0 := uint16(13)<<10 | uint16(14)<<5 | uint16(5)
	w1 := uint16(0x8000) | uint16(5)<<10 | uint16(5)<<5 | uint16(5)
	abbrString := make([]uint8, 4)
	binary.BigEndian.PutUint16(abbrString[0:2], w0)
	binary.BigEndian.PutUint16(abbrString[2:4], w1)

	// Main string: z-char 1 (abbreviation set 1), z-char 0 (index 0), pad.
	mainWord := uint16(0x8000) | uint16(1)<<10 | uint16(0)<<5 | uint16(5)
	mainString := make([]uint8, 2)
	binary.BigEndian.PutUint16(mainString[0:2], mainWord)

	tail := append(abbrTable, abbrString...)
	mainStringAddr := uint32(0x40) + uint32(len(tail))
	tail = append(tail, mainString...)

	story := append(header, tail...)
	core, err := zcore.Load(story)
	if err != nil {
		t.Fatalf("zcore.Load: %v", err)
	}

	alphabets := NewAlphabets(core)
	str, _ := Decode(core, alphabets, mainStringAddr)

	if str != "hi" {
		t.Fatalf("expected abbreviation expansion \"hi\", got %q", str)
	}
}
