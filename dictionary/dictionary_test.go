package dictionary_test

import (
	"encoding/binary"
	"testing"

	"github.com/zmachine-go/zvm/dictionary"
	"github.com/zmachine-go/zvm/zcore"
	"github.com/zmachine-go/zvm/zstring"
)

func buildStory(t *testing.T, words []string) (*zcore.Core, *zstring.Alphabets, uint32) {
	t.Helper()

	header := make([]uint8, 0x40)
	header[0x00] = 3

	const dictBase = 0x40
	binary.BigEndian.PutUint16(header[0x08:0x0a], dictBase)

	separators := []uint8{'.', ','}
	tail := []uint8{uint8(len(separators))}
	tail = append(tail, separators...)
	tail = append(tail, 7)                     // entry length: 4 bytes word + 3 data
	tail = append(tail, 0, uint8(len(words)))   // count (sorted, positive)

	core0, err := zcore.Load(append(header, tail...))
	if err != nil {
		t.Fatalf("zcore.Load (bootstrap): %v", err)
	}
	alphabets := zstring.NewAlphabets(core0)

	for _, w := range words {
		enc := zstring.EncodeDictionaryWord(w, alphabets, 3, core0)
		for _, word16 := range enc {
			b := make([]uint8, 2)
			binary.BigEndian.PutUint16(b, word16)
			tail = append(tail, b...)
		}
		tail = append(tail, 0, 0, 0) // 3 data bytes
	}

	binary.BigEndian.PutUint16(header[0x0e:0x10], uint16(0x40+len(tail)))
	binary.BigEndian.PutUint16(header[0x1a:0x1c], uint16((len(header)+len(tail))/2))

	story := append(header, tail...)
	core, err := zcore.Load(story)
	if err != nil {
		t.Fatalf("zcore.Load: %v", err)
	}
	return core, zstring.NewAlphabets(core), dictBase
}

func TestLookupFindsSortedEntry(t *testing.T) {
	core, alphabets, dictBase := buildStory(t, []string{"north", "south", "west"})
	d := dictionary.Parse(core, dictBase)

	if len(d.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(d.Entries))
	}

	addr := d.Lookup("south", alphabets)
	if addr == 0 {
		t.Fatalf("expected to find \"south\" in the dictionary")
	}

	miss := d.Lookup("banana", alphabets)
	if miss != 0 {
		t.Fatalf("expected \"banana\" to be absent, got address %d", miss)
	}
}

func TestTokenize(t *testing.T) {
	core, _, dictBase := buildStory(t, []string{"north"})
	d := dictionary.Parse(core, dictBase)

	tokens := d.Tokenize("go north, then south.")
	if len(tokens) != 6 {
		t.Fatalf("expected 6 tokens (go/north/,/then/south/.), got %d: %+v", len(tokens), tokens)
	}
	if tokens[0].Text != "go" || tokens[1].Text != "north" || tokens[2].Text != "," {
		t.Fatalf("unexpected token sequence: %+v", tokens)
	}
}
