// Package zstring implements the Z-character text codec: decoding packed
// Z-strings into ZSCII/Unicode text (with abbreviation expansion and
// optional custom alphabet tables) and encoding text back into Z-chars
// for dictionary lookups.
package zstring

import (
	"github.com/zmachine-go/zvm/zcore"
)

var a0Default = [26]uint8{'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k', 'l', 'm', 'n', 'o', 'p', 'q', 'r', 's', 't', 'u', 'v', 'w', 'x', 'y', 'z'}
var a1Default = [26]uint8{'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I', 'J', 'K', 'L', 'M', 'N', 'O', 'P', 'Q', 'R', 'S', 'T', 'U', 'V', 'W', 'X', 'Y', 'Z'}
var a2V1 = [26]uint8{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '.', ',', '!', '?', '_', '#', '\'', '"', '/', '\\', '<', '-', ':', '(', ')', 0}
var a2Default = [26]uint8{0 /* escape slot */, '\n', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '.', ',', '!', '?', '_', '#', '\'', '"', '/', '\\', '-', ':', '(', ')'}

// Alphabet identifies one of the three 26-symbol Z-character alphabets.
type Alphabet int

const (
	A0 Alphabet = 0
	A1 Alphabet = 1
	A2 Alphabet = 2
)

// Alphabets holds the three alphabet tables in effect for a story,
// either the version's default tables or a custom table supplied via the
// header's alphabet-table-base field (v5+ only).
type Alphabets struct {
	version uint8
	a0      [26]uint8
	a1      [26]uint8
	a2      [26]uint8
}

// NewAlphabets builds the alphabet set for a loaded story, pulling a
// custom 78-byte table from memory when the header declares one.
func NewAlphabets(core *zcore.Core) *Alphabets {
	a := &Alphabets{version: core.VersionProfile.Version}

	if core.VersionProfile.Version == 1 {
		a.a0 = a0Default
		a.a1 = a1Default
		a.a2 = a2V1
		return a
	}

	a.a0 = a0Default
	a.a1 = a1Default
	a.a2 = a2Default

	if core.VersionProfile.Version >= 5 && core.AlphabetTableBase != 0 {
		base := uint32(core.AlphabetTableBase)
		for i := 0; i < 26; i++ {
			a.a0[i] = core.MustReadByte(base + uint32(i))
			a.a1[i] = core.MustReadByte(base + 26 + uint32(i))
			a.a2[i] = core.MustReadByte(base + 52 + uint32(i))
		}
		// Slot 0 of A2 is always the 10-bit ZSCII escape, even in a
		// custom table; the standard reserves it.
	}

	return a
}

func (a *Alphabets) charAt(alphabet Alphabet, zchr uint8) uint8 {
	switch alphabet {
	case A0:
		return a.a0[zchr-6]
	case A1:
		return a.a1[zchr-6]
	default:
		return a.a2[zchr-6]
	}
}

// maxAbbreviationDepth enforces the standard's non-recursive restriction:
// an abbreviation string may not itself reference an abbreviation.
const maxAbbreviationDepth = 1

// Decode reads a packed Z-string starting at addr and returns the decoded
// text plus the number of bytes consumed (always a multiple of 2).
func Decode(core *zcore.Core, alphabets *Alphabets, addr uint32) (string, uint32) {
	return decode(core, alphabets, addr, 0)
}

func decode(core *zcore.Core, alphabets *Alphabets, addr uint32, abbrDepth int) (string, uint32) {
	version := core.VersionProfile.Version
	bytesRead := uint32(0)
	ptr := addr
	baseAlphabet := A0
	currentAlphabet := A0
	nextAlphabet := A0

	var zchrStream []uint8

	for {
		halfWord := core.MustReadWord(ptr)
		bytesRead += 2
		ptr += 2
		isLastHalfWord := (halfWord >> 15) == 1

		zchrStream = append(zchrStream, uint8((halfWord>>10)&0b11111))
		zchrStream = append(zchrStream, uint8((halfWord>>5)&0b11111))
		zchrStream = append(zchrStream, uint8(halfWord&0b11111))

		if isLastHalfWord {
			break
		}
	}

	var chrStream []rune

	for i := 0; i < len(zchrStream); i++ {
		zchr := zchrStream[i]
		currentAlphabet = nextAlphabet
		nextAlphabet = baseAlphabet

		switch zchr {
		case 0:
			chrStream = append(chrStream, ' ')
		case 1:
			if version == 1 {
				chrStream = append(chrStream, '\n')
			} else {
				i = appendAbbreviation(core, alphabets, &chrStream, 1, zchrStream, i, abbrDepth)
			}
		case 2:
			if version >= 3 {
				i = appendAbbreviation(core, alphabets, &chrStream, 2, zchrStream, i, abbrDepth)
			} else {
				nextAlphabet = (nextAlphabet + 1) % 3
			}
		case 3:
			if version >= 3 {
				i = appendAbbreviation(core, alphabets, &chrStream, 3, zchrStream, i, abbrDepth)
			} else {
				nextAlphabet = (nextAlphabet + 2) % 3
			}
		case 4:
			if version >= 3 {
				nextAlphabet = (nextAlphabet + 1) % 3
			} else {
				baseAlphabet = (baseAlphabet + 1) % 3
				nextAlphabet = baseAlphabet
			}
		case 5:
			if version >= 3 {
				nextAlphabet = (nextAlphabet + 2) % 3
			} else {
				baseAlphabet = (baseAlphabet + 2) % 3
				nextAlphabet = baseAlphabet
			}
		default:
			if currentAlphabet == A2 && zchr == 6 {
				// 10-bit ZSCII escape: next two z-chars hold the code.
				if i+2 < len(zchrStream) {
					code := uint16(zchrStream[i+1])<<5 | uint16(zchrStream[i+2])
					chrStream = append(chrStream, zsciiToRune(uint8(code), core))
					i += 2
				}
			} else {
				ch := alphabets.charAt(currentAlphabet, zchr)
				chrStream = append(chrStream, rune(ch))
			}
		}
	}

	return string(chrStream), bytesRead
}

// appendAbbreviation resolves abbreviation z (1-3) with index x (the
// z-char immediately following the escape) and appends its decoded text.
// Returns the updated stream index (pointing at the index z-char, so the
// caller's loop increment lands past it).
func appendAbbreviation(core *zcore.Core, alphabets *Alphabets, out *[]rune, z uint8, zchrStream []uint8, i int, abbrDepth int) int {
	if i+1 >= len(zchrStream) {
		return i
	}
	x := zchrStream[i+1]

	if abbrDepth >= maxAbbreviationDepth || core.AbbreviationTableBase == 0 {
		return i + 1
	}

	abbrIx := uint16(32*(int(z)-1) + int(x))
	entryAddr := uint32(core.AbbreviationTableBase) + 2*uint32(abbrIx)
	wordAddr := core.MustReadWord(entryAddr)
	strAddr := uint32(wordAddr) * 2

	text, _ := decode(core, alphabets, strAddr, abbrDepth+1)
	*out = append(*out, []rune(text)...)

	return i + 1
}

// EncodeDictionaryWord converts text into the fixed-width Z-character
// encoding used for dictionary entries and comparisons: 2 words (v1-3,
// 6 z-chars) or 3 words (v4+, 9 z-chars), padded with shift-5 (0b00101).
func EncodeDictionaryWord(text string, alphabets *Alphabets, version uint8, core *zcore.Core) []uint16 {
	numZChars := 6
	if version >= 4 {
		numZChars = 9
	}

	zchars := make([]uint8, 0, numZChars)
	for _, r := range text {
		if len(zchars) >= numZChars {
			break
		}
		zchars = append(zchars, encodeRune(r, alphabets, core)...)
	}
	for len(zchars) < numZChars {
		zchars = append(zchars, 5)
	}
	zchars = zchars[:numZChars]

	words := make([]uint16, 0, numZChars/3)
	for i := 0; i < numZChars; i += 3 {
		w := uint16(zchars[i])<<10 | uint16(zchars[i+1])<<5 | uint16(zchars[i+2])
		words = append(words, w)
	}
	words[len(words)-1] |= 0x8000

	return words
}

// encodeRune returns the z-char(s) needed to represent one rune,
// including a temporary alphabet shift when it lives outside A0. Runes
// outside plain ASCII are first mapped through the unicode translation
// table (falling back to a raw 10-bit ZSCII escape if untranslatable).
func encodeRune(r rune, alphabets *Alphabets, core *zcore.Core) []uint8 {
	ch := uint8(r)
	if r > 127 {
		if z, ok := unicodeToZscii(r, core); ok {
			ch = z
		}
	}

	if idx, ok := indexOf(alphabets.a0, ch); ok {
		return []uint8{uint8(idx) + 6}
	}
	if idx, ok := indexOf(alphabets.a1, ch); ok {
		return []uint8{4, uint8(idx) + 6}
	}
	if idx, ok := indexOf(alphabets.a2, ch); ok {
		return []uint8{5, uint8(idx) + 6}
	}

	// Not in any alphabet: emit a 10-bit ZSCII escape via A2 slot 6.
	return []uint8{5, 6, ch >> 5, ch & 0b11111}
}

func indexOf(table [26]uint8, ch uint8) (int, bool) {
	for i, c := range table {
		if c == ch && c != 0 {
			return i, true
		}
	}
	return 0, false
}

func zsciiToRune(zscii uint8, core *zcore.Core) rune {
	if zscii >= 155 && zscii <= 223 {
		if r, ok := ZsciiToUnicode(zscii, core); ok {
			return r
		}
	}
	return rune(zscii)
}
