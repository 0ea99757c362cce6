// Package zcore implements the byte-addressable memory map of a loaded
// Z-machine story file: header parsing, bounds-checked access, and the
// version-parameterized constants (packed address divisor, object entry
// width, property-number range) that the rest of the interpreter needs.
package zcore

import (
	"encoding/binary"
	"fmt"
)

// MemoryFault is returned by the bounds-checked accessors when a story
// file (or a buggy opcode sequence) touches memory it should not.
type MemoryFault struct {
	Address uint32
	Op      string
}

func (f *MemoryFault) Error() string {
	return fmt.Sprintf("bad_memory_access: %s at 0x%05x", f.Op, f.Address)
}

// VersionProfile collects the handful of constants whose value depends on
// the story file's declared version, computed once at load time instead
// of being re-derived with an if-chain at every call site.
type VersionProfile struct {
	Version               uint8
	PackedAddressDivisor  uint32 // 2 (v1-3), 4 (v4-5), 8 (v7-8)
	ObjectEntrySize       uint32 // 9 (v1-3), 14 (v4+)
	PropertyDefaultsWords uint16 // 31 (v1-3), 63 (v4+)
	AttributeBits         uint16 // 32 (v1-3), 48 (v4+)
	MaxProperty           uint8  // 31 (v1-3), 63 (v4+)
	MaxLocals             uint8  // always 15
	DictionaryEntryZChars uint8  // 6 (v1-3), 9 (v4+)
	FileLengthScale       uint32 // divisor applied to the header's file-length word
}

func newVersionProfile(version uint8) VersionProfile {
	p := VersionProfile{Version: version, MaxLocals: 15}

	switch {
	case version <= 3:
		p.PackedAddressDivisor = 2
		p.ObjectEntrySize = 9
		p.PropertyDefaultsWords = 31
		p.AttributeBits = 32
		p.MaxProperty = 31
		p.DictionaryEntryZChars = 6
		p.FileLengthScale = 2
	case version <= 5:
		p.PackedAddressDivisor = 4
		p.ObjectEntrySize = 14
		p.PropertyDefaultsWords = 63
		p.AttributeBits = 48
		p.MaxProperty = 63
		p.DictionaryEntryZChars = 9
		p.FileLengthScale = 4
	default: // 7, 8
		p.PackedAddressDivisor = 8
		p.ObjectEntrySize = 14
		p.PropertyDefaultsWords = 63
		p.AttributeBits = 48
		p.MaxProperty = 63
		p.DictionaryEntryZChars = 9
		p.FileLengthScale = 8
	}

	return p
}

// Header mirrors the fixed 64-byte header schema from the Z-Machine
// Standard.
type Header struct {
	Version                  uint8
	Flags1                   uint8
	Release                  uint16
	HighMemoryBase           uint16
	InitialPC                uint16
	DictionaryBase           uint16
	ObjectTableBase          uint16
	GlobalVariableBase       uint16
	StaticMemoryBase         uint16
	Flags2                   uint16
	AbbreviationTableBase    uint16
	FileLengthWord           uint16
	FileChecksum             uint16
	InterpreterNumber        uint8
	InterpreterVersion       uint8
	ScreenHeightLines        uint8
	ScreenWidthChars         uint8
	ScreenWidthUnits         uint16
	ScreenHeightUnits        uint16
	FontWidthUnits           uint8
	FontHeightUnits          uint8
	RoutinesOffset           uint16
	StringOffset             uint16
	DefaultBackground        uint8
	DefaultForeground        uint8
	TerminatingCharTableBase uint16
	OutputStream3Width       uint16
	StandardRevision         uint16
	AlphabetTableBase        uint16
	HeaderExtensionTableBase uint16
	UnicodeTableBase         uint16
}

const headerSize = 0x40

// Core is the byte-indexable story image plus the parsed header and
// version profile. All engine components read and write memory only
// through this type.
type Core struct {
	Header
	VersionProfile

	bytes    []uint8 // live, mutable image
	pristine []uint8 // snapshot taken at load, used by Quetzal CMem diffing
}

// Load parses story bytes into a Core. It does not validate the version
// beyond recording it; callers (zmachine) reject unsupported versions.
func Load(storyBytes []uint8) (*Core, error) {
	if len(storyBytes) < headerSize {
		return nil, fmt.Errorf("story file too small: %d bytes", len(storyBytes))
	}

	b := make([]uint8, len(storyBytes))
	copy(b, storyBytes)

	h := Header{
		Version:                  b[0x00],
		Flags1:                   b[0x01],
		Release:                  binary.BigEndian.Uint16(b[0x02:0x04]),
		HighMemoryBase:           binary.BigEndian.Uint16(b[0x04:0x06]),
		InitialPC:                binary.BigEndian.Uint16(b[0x06:0x08]),
		DictionaryBase:           binary.BigEndian.Uint16(b[0x08:0x0a]),
		ObjectTableBase:          binary.BigEndian.Uint16(b[0x0a:0x0c]),
		GlobalVariableBase:       binary.BigEndian.Uint16(b[0x0c:0x0e]),
		StaticMemoryBase:         binary.BigEndian.Uint16(b[0x0e:0x10]),
		Flags2:                   binary.BigEndian.Uint16(b[0x10:0x12]),
		AbbreviationTableBase:    binary.BigEndian.Uint16(b[0x18:0x1a]),
		FileLengthWord:           binary.BigEndian.Uint16(b[0x1a:0x1c]),
		FileChecksum:             binary.BigEndian.Uint16(b[0x1c:0x1e]),
		InterpreterNumber:        b[0x1e],
		InterpreterVersion:       b[0x1f],
		ScreenHeightLines:        b[0x20],
		ScreenWidthChars:         b[0x21],
		ScreenWidthUnits:         binary.BigEndian.Uint16(b[0x22:0x24]),
		ScreenHeightUnits:        binary.BigEndian.Uint16(b[0x24:0x26]),
		FontWidthUnits:           b[0x26],
		FontHeightUnits:          b[0x27],
		RoutinesOffset:           binary.BigEndian.Uint16(b[0x28:0x2a]),
		StringOffset:             binary.BigEndian.Uint16(b[0x2a:0x2c]),
		DefaultBackground:        b[0x2c],
		DefaultForeground:        b[0x2d],
		TerminatingCharTableBase: binary.BigEndian.Uint16(b[0x2e:0x30]),
		OutputStream3Width:       binary.BigEndian.Uint16(b[0x30:0x32]),
		StandardRevision:         binary.BigEndian.Uint16(b[0x32:0x34]),
		AlphabetTableBase:        binary.BigEndian.Uint16(b[0x34:0x36]),
		HeaderExtensionTableBase: binary.BigEndian.Uint16(b[0x36:0x38]),
	}

	if h.HeaderExtensionTableBase != 0 && int(h.HeaderExtensionTableBase)+8 <= len(b) {
		numWords := binary.BigEndian.Uint16(b[h.HeaderExtensionTableBase : h.HeaderExtensionTableBase+2])
		if numWords >= 3 {
			h.UnicodeTableBase = binary.BigEndian.Uint16(b[h.HeaderExtensionTableBase+6 : h.HeaderExtensionTableBase+8])
		}
	}

	pristine := make([]uint8, len(b))
	copy(pristine, b)

	return &Core{
		Header:         h,
		VersionProfile: newVersionProfile(h.Version),
		bytes:          b,
		pristine:       pristine,
	}, nil
}

// SetInterpreterIdentity stamps the interpreter-number/version bytes,
// mirroring what a real interpreter advertises back to the game on load.
func (c *Core) SetInterpreterIdentity(number, version uint8) {
	c.InterpreterNumber = number
	c.InterpreterVersion = version
	c.bytes[0x1e] = number
	c.bytes[0x1f] = version
}

// SetScreenDimensions stamps the screen-geometry header fields.
func (c *Core) SetScreenDimensions(rows, cols uint8) {
	c.ScreenHeightLines = rows
	c.ScreenWidthChars = cols
	c.bytes[0x20] = rows
	c.bytes[0x21] = cols
	binary.BigEndian.PutUint16(c.bytes[0x22:0x24], uint16(cols))
	binary.BigEndian.PutUint16(c.bytes[0x24:0x26], uint16(rows))
	c.ScreenWidthUnits = uint16(cols)
	c.ScreenHeightUnits = uint16(rows)
	c.bytes[0x26] = 1
	c.bytes[0x27] = 1
	c.FontWidthUnits = 1
	c.FontHeightUnits = 1
}

// SetFlags ORs extra capability bits into Flags1/Flags2, matching what a
// real interpreter advertises at load time.
func (c *Core) SetFlags(flags1Mask uint8, flags2Mask uint16) {
	c.bytes[0x01] |= flags1Mask
	c.Flags1 = c.bytes[0x01]
	if flags2Mask != 0 {
		cur := binary.BigEndian.Uint16(c.bytes[0x10:0x12])
		cur |= flags2Mask
		binary.BigEndian.PutUint16(c.bytes[0x10:0x12], cur)
		c.Flags2 = cur
	}
}

// SetStandardRevision stamps the "claimed standard version" header word.
func (c *Core) SetStandardRevision(major, minor uint8) {
	c.bytes[0x32] = major
	c.bytes[0x33] = minor
	c.StandardRevision = uint16(major)<<8 | uint16(minor)
}

// FileLength returns the declared story length in bytes, 0 if the header
// did not declare one (legal in early v1-3 files).
func (c *Core) FileLength() uint32 {
	return uint32(c.FileLengthWord) * c.FileLengthScale
}

// Len returns the total size of the loaded image.
func (c *Core) Len() uint32 { return uint32(len(c.bytes)) }

func (c *Core) inDynamic(addr uint32) bool  { return addr < uint32(c.StaticMemoryBase) }
func (c *Core) inReadable(addr uint32) bool { return addr < uint32(len(c.bytes)) }

// ReadByte reads one byte. Permitted anywhere below the end of the image.
func (c *Core) ReadByte(addr uint32) (uint8, error) {
	if !c.inReadable(addr) {
		return 0, &MemoryFault{Address: addr, Op: "read_byte"}
	}
	return c.bytes[addr], nil
}

// MustReadByte panics on fault; used by call sites that have already
// range-checked (e.g. decode loops bounded by a known routine length).
func (c *Core) MustReadByte(addr uint32) uint8 {
	v, err := c.ReadByte(addr)
	if err != nil {
		panic(err)
	}
	return v
}

// ReadWord reads a big-endian word at addr.
func (c *Core) ReadWord(addr uint32) (uint16, error) {
	if !c.inReadable(addr) || !c.inReadable(addr+1) {
		return 0, &MemoryFault{Address: addr, Op: "read_word"}
	}
	return binary.BigEndian.Uint16(c.bytes[addr : addr+2]), nil
}

func (c *Core) MustReadWord(addr uint32) uint16 {
	v, err := c.ReadWord(addr)
	if err != nil {
		panic(err)
	}
	return v
}

// dataLimit is the first address data loads may not touch: the
// high-memory mark, which only instruction fetch and packed-address
// string reads may cross. A zero mark (legal in some early files)
// leaves the whole image data-readable.
func (c *Core) dataLimit() uint32 {
	limit := uint32(c.HighMemoryBase)
	if limit == 0 || limit > uint32(len(c.bytes)) {
		limit = uint32(len(c.bytes))
	}
	return limit
}

// ReadDataByte is ReadByte restricted to addresses below the
// high-memory mark; the loadb/loadw opcodes and the object, property
// and table walkers use it.
func (c *Core) ReadDataByte(addr uint32) (uint8, error) {
	if addr >= c.dataLimit() {
		return 0, &MemoryFault{Address: addr, Op: "data_read_byte"}
	}
	return c.bytes[addr], nil
}

func (c *Core) MustReadDataByte(addr uint32) uint8 {
	v, err := c.ReadDataByte(addr)
	if err != nil {
		panic(err)
	}
	return v
}

// ReadDataWord is ReadWord restricted to addresses below the
// high-memory mark.
func (c *Core) ReadDataWord(addr uint32) (uint16, error) {
	if addr+1 >= c.dataLimit() {
		return 0, &MemoryFault{Address: addr, Op: "data_read_word"}
	}
	return binary.BigEndian.Uint16(c.bytes[addr : addr+2]), nil
}

func (c *Core) MustReadDataWord(addr uint32) uint16 {
	v, err := c.ReadDataWord(addr)
	if err != nil {
		panic(err)
	}
	return v
}

// WriteByte writes one byte. Permitted only within dynamic memory.
func (c *Core) WriteByte(addr uint32, v uint8) error {
	if !c.inDynamic(addr) {
		return &MemoryFault{Address: addr, Op: "write_byte"}
	}
	c.bytes[addr] = v
	return nil
}

func (c *Core) MustWriteByte(addr uint32, v uint8) {
	if err := c.WriteByte(addr, v); err != nil {
		panic(err)
	}
}

// WriteWord writes a big-endian word. Permitted only within dynamic memory.
func (c *Core) WriteWord(addr uint32, v uint16) error {
	if !c.inDynamic(addr) || !c.inDynamic(addr+1) {
		return &MemoryFault{Address: addr, Op: "write_word"}
	}
	binary.BigEndian.PutUint16(c.bytes[addr:addr+2], v)
	return nil
}

func (c *Core) MustWriteWord(addr uint32, v uint16) {
	if err := c.WriteWord(addr, v); err != nil {
		panic(err)
	}
}

// Slice returns a read-only view of [start,end). Used by the text codec
// and dictionary, which need to scan runs of bytes directly.
func (c *Core) Slice(start, end uint32) []uint8 {
	return c.bytes[start:end]
}

// ReadGlobal / WriteGlobal address the 0x10-0xFF global variable space.
func (c *Core) ReadGlobal(index uint8) uint16 {
	return c.MustReadWord(uint32(c.GlobalVariableBase) + 2*uint32(index-0x10))
}

func (c *Core) WriteGlobal(index uint8, v uint16) {
	c.MustWriteWord(uint32(c.GlobalVariableBase)+2*uint32(index-0x10), v)
}

// PackedAddress unpacks a routine or string packed address.
func (c *Core) PackedAddress(packed uint16, isString bool) uint32 {
	switch {
	case c.VersionProfile.Version < 6:
		return c.PackedAddressDivisor * uint32(packed)
	case c.VersionProfile.Version < 8:
		offset := c.RoutinesOffset
		if isString {
			offset = c.StringOffset
		}
		return 4*uint32(packed) + 8*uint32(offset)
	default: // v8
		return 8 * uint32(packed)
	}
}

// Pristine returns the first `length` bytes of the image exactly as they
// were at load, for Quetzal CMem diffing.
func (c *Core) Pristine(length uint32) []uint8 {
	if length > uint32(len(c.pristine)) {
		length = uint32(len(c.pristine))
	}
	return c.pristine[:length]
}

// DynamicMemory returns the live dynamic-memory region (everything below
// the static memory base).
func (c *Core) DynamicMemory() []uint8 {
	return c.bytes[:c.StaticMemoryBase]
}

// ReplaceDynamicMemory overwrites dynamic memory wholesale (used by
// restore). The caller must supply exactly StaticMemoryBase bytes.
func (c *Core) ReplaceDynamicMemory(data []uint8) error {
	if uint16(len(data)) != c.StaticMemoryBase {
		return fmt.Errorf("restore: dynamic memory size mismatch: got %d want %d", len(data), c.StaticMemoryBase)
	}
	copy(c.bytes, data)
	return nil
}

// ToSigned16 / ToUnsigned16 implement the two's-complement reinterpretation
// every arithmetic opcode needs.
func ToSigned16(v uint16) int16   { return int16(v) }
func ToUnsigned16(v int16) uint16 { return uint16(v) }
