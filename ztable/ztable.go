// Package ztable implements the generic table opcodes: print_table,
// scan_table and copy_table, all of which operate on raw memory regions
// rather than any structured type.
package ztable

import (
	"strings"

	"github.com/zmachine-go/zvm/zcore"
)

// PrintTable renders a rectangular block of text: width columns per row,
// height rows (1 if the caller omitted the argument), with skip extra
// bytes of stride between the end of one row and the start of the next.
func PrintTable(core *zcore.Core, baddr uint32, width uint16, height uint16, skip uint16) string {
	if height == 0 {
		height = 1
	}

	var s strings.Builder
	stride := uint32(width) + uint32(skip)

	for row := uint16(0); row < height; row++ {
		if row != 0 {
			s.WriteByte('\n')
		}
		rowStart := baddr + uint32(row)*stride
		for col := uint16(0); col < width; col++ {
			s.WriteByte(core.MustReadDataByte(rowStart + uint32(col)))
		}
	}

	return s.String()
}

// ScanTable searches length fields, each `form&0x7f` bytes long, starting
// at baddr for a field whose first word (bit 7 of form set) or first byte
// (bit 7 clear) equals test, returning the address of the first match or
// 0 if none is found.
func ScanTable(core *zcore.Core, test uint16, baddr uint32, length uint16, form uint16) uint32 {
	ptr := baddr
	fieldSize := form & 0b0111_1111
	checkWord := form&0b1000_0000 != 0

	if fieldSize == 0 {
		return 0
	}

	for i := uint16(0); i < length; i++ {
		if checkWord {
			if core.MustReadDataWord(ptr) == test {
				return ptr
			}
		} else if uint16(core.MustReadDataByte(ptr)) == test {
			return ptr
		}

		ptr += uint32(fieldSize)
	}

	return 0
}

// CopyTable implements copy_table. second == 0 zero-fills the first
// table in place. A non-negative size copies through a temporary buffer
// so overlapping source/destination ranges never see partially
// overwritten source data; a negative size instead performs a raw
// forward byte copy, which callers use deliberately to let the ranges
// overlap byte by byte (e.g. shifting a table left in place).
func CopyTable(core *zcore.Core, first uint32, second uint32, size int16) {
	sizeAbs := uint32(size)
	if size < 0 {
		sizeAbs = uint32(-int32(size))
	}

	switch {
	case second == 0:
		for i := uint32(0); i < sizeAbs; i++ {
			core.MustWriteByte(first+i, 0)
		}

	case size >= 0:
		tmp := make([]uint8, sizeAbs)
		for i := uint32(0); i < sizeAbs; i++ {
			tmp[i] = core.MustReadDataByte(first + i)
		}
		for i := uint32(0); i < sizeAbs; i++ {
			core.MustWriteByte(second+i, tmp[i])
		}

	default: // size < 0
		for i := uint32(0); i < sizeAbs; i++ {
			core.MustWriteByte(second+i, core.MustReadDataByte(first+i))
		}
	}
}
