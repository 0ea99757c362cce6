package ztable_test

import (
	"encoding/binary"
	"testing"

	"github.com/zmachine-go/zvm/zcore"
	"github.com/zmachine-go/zvm/ztable"
)

func buildCore(t *testing.T, tail []uint8) *zcore.Core {
	t.Helper()
	header := make([]uint8, 0x40)
	header[0x00] = 3
	binary.BigEndian.PutUint16(header[0x0e:0x10], uint16(0x40+len(tail))) // static base: whole image is dynamic
	binary.BigEndian.PutUint16(header[0x1a:0x1c], uint16((len(header)+len(tail))/2))
	core, err := zcore.Load(append(header, tail...))
	if err != nil {
		t.Fatalf("zcore.Load: %v", err)
	}
	return core
}

func TestScanTableByte(t *testing.T) {
	core := buildCore(t, []uint8{10, 20, 30, 40})
	addr := ztable.ScanTable(core, 30, 0x40, 4, 1)
	if addr != 0x42 {
		t.Fatalf("expected match at 0x42, got 0x%x", addr)
	}

	miss := ztable.ScanTable(core, 99, 0x40, 4, 1)
	if miss != 0 {
		t.Fatalf("expected no match, got 0x%x", miss)
	}
}

func TestCopyTableZeroFill(t *testing.T) {
	core := buildCore(t, []uint8{1, 2, 3, 4})
	ztable.CopyTable(core, 0x40, 0, 4)
	for i := uint32(0); i < 4; i++ {
		if b := core.MustReadByte(0x40 + i); b != 0 {
			t.Fatalf("expected zero-filled byte at offset %d, got %d", i, b)
		}
	}
}

func TestCopyTableForward(t *testing.T) {
	core := buildCore(t, []uint8{1, 2, 3, 4, 0, 0, 0, 0})
	ztable.CopyTable(core, 0x40, 0x44, 4)
	for i := uint32(0); i < 4; i++ {
		if a, b := core.MustReadByte(0x40+i), core.MustReadByte(0x44+i); a != b {
			t.Fatalf("copy mismatch at offset %d: %d != %d", i, a, b)
		}
	}
}

func TestPrintTable(t *testing.T) {
	core := buildCore(t, []uint8{'a', 'b', 'c', 'd'})
	out := ztable.PrintTable(core, 0x40, 2, 2, 0)
	if out != "ab\ncd" {
		t.Fatalf("unexpected print_table output: %q", out)
	}
}
