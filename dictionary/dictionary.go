// Package dictionary implements the Z-machine dictionary: parsing the
// separator/entry table out of story memory, tokenizing input text on
// those separators, and looking tokens up by encoded Z-string key (binary
// search over the standard sorted dictionary, linear scan over an
// unsorted auxiliary one).
package dictionary

import (
	"github.com/zmachine-go/zvm/zcore"
	"github.com/zmachine-go/zvm/zstring"
)

// Entry is one parsed dictionary word.
type Entry struct {
	Address     uint32
	EncodedWord []uint16
	Data        []uint8
}

// Dictionary is a parsed view of the table at the story's dictionary
// base address (header word 0x08).
type Dictionary struct {
	Separators []uint8
	EntryLen   uint8
	Sorted     bool
	Entries    []Entry

	core *zcore.Core
}

// Parse reads the dictionary table referenced by baseAddress.
func Parse(core *zcore.Core, baseAddress uint32) *Dictionary {
	ptr := baseAddress
	numSeparators := core.MustReadByte(ptr)
	ptr++

	separators := make([]uint8, numSeparators)
	for i := range separators {
		separators[i] = core.MustReadByte(ptr)
		ptr++
	}

	entryLength := core.MustReadByte(ptr)
	ptr++

	count := int16(core.MustReadWord(ptr))
	ptr += 2

	sorted := count >= 0
	numEntries := int(count)
	if numEntries < 0 {
		numEntries = -numEntries
	}

	wordZChars := 6
	if core.VersionProfile.Version >= 4 {
		wordZChars = 9
	}
	encodedWordBytes := uint32(wordZChars) / 3 * 2

	entries := make([]Entry, numEntries)
	for i := 0; i < numEntries; i++ {
		entryAddr := ptr
		encoded := make([]uint16, encodedWordBytes/2)
		for w := range encoded {
			encoded[w] = core.MustReadWord(entryAddr + uint32(w)*2)
		}

		entries[i] = Entry{
			Address:     entryAddr,
			EncodedWord: encoded,
			Data:        core.Slice(entryAddr+encodedWordBytes, entryAddr+uint32(entryLength)),
		}

		ptr += uint32(entryLength)
	}

	return &Dictionary{
		Separators: separators,
		EntryLen:   entryLength,
		Sorted:     sorted,
		Entries:    entries,
		core:       core,
	}
}

// IsSeparator reports whether r is one of this dictionary's word
// separators (typically punctuation like "." and ",").
func (d *Dictionary) IsSeparator(r uint8) bool {
	for _, s := range d.Separators {
		if s == r {
			return true
		}
	}
	return false
}

// Lookup encodes word and searches the table for a matching entry,
// returning its address or 0 if absent. Sorted dictionaries use binary
// search per the standard; unsorted (auxiliary, negative-count) ones
// fall back to a linear scan.
func (d *Dictionary) Lookup(word string, alphabets *zstring.Alphabets) uint32 {
	key := zstring.EncodeDictionaryWord(word, alphabets, d.core.VersionProfile.Version, d.core)

	if d.Sorted {
		lo, hi := 0, len(d.Entries)-1
		for lo <= hi {
			mid := (lo + hi) / 2
			switch compareWords(d.Entries[mid].EncodedWord, key) {
			case 0:
				return d.Entries[mid].Address
			case -1:
				lo = mid + 1
			default:
				hi = mid - 1
			}
		}
		return 0
	}

	for _, e := range d.Entries {
		if compareWords(e.EncodedWord, key) == 0 {
			return e.Address
		}
	}
	return 0
}

func compareWords(a, b []uint16) int {
	for i := range a {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// Token is one whitespace/separator-delimited word found by Tokenize,
// with its position in the original text (both counted in runes, as the
// read opcodes require for the parse buffer).
type Token struct {
	Text   string
	Start  int
	Length int
}

// Tokenize splits text on spaces and the dictionary's separator
// characters, discarding empty tokens but keeping standalone separators
// as their own one-character tokens (as the standard requires: they are
// words in their own right for matching purposes).
func (d *Dictionary) Tokenize(text string) []Token {
	var tokens []Token
	runes := []rune(text)

	start := -1
	flush := func(end int) {
		if start >= 0 && end > start {
			tokens = append(tokens, Token{Text: string(runes[start:end]), Start: start, Length: end - start})
		}
		start = -1
	}

	for i, r := range runes {
		switch {
		case r == ' ':
			flush(i)
		case d.IsSeparator(uint8(r)):
			flush(i)
			tokens = append(tokens, Token{Text: string(r), Start: i, Length: 1})
		default:
			if start < 0 {
				start = i
			}
		}
	}
	flush(len(runes))

	return tokens
}
