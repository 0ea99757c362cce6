package zobject_test

import (
	"encoding/binary"
	"testing"

	"github.com/zmachine-go/zvm/zcore"
	"github.com/zmachine-go/zvm/zobject"
	"github.com/zmachine-go/zvm/zstring"
)

// buildV3Story constructs a minimal v3 story image with a 3-object tree
// and a property list on object 1, so the object/property code can be
// exercised without a real game file.
func buildV3Story(t *testing.T) (*zcore.Core, *zstring.Alphabets) {
	t.Helper()

	const objectTableBase = 0x40
	const defaultsSize = 31 * 2
	const entrySize = 9
	const numObjects = 3

	propTableAddr := objectTableBase + defaultsSize + entrySize*numObjects

	tail := make([]uint8, 0, 256)
	tail = append(tail, make([]uint8, defaultsSize)...) // property defaults, all zero

	// Three object entries: root(1) has child 2, which has sibling 3.
	entries := make([]uint8, entrySize*numObjects)
	writeEntry := func(ix int, attrHi, attrLo uint16, parent, sibling, child uint8, propPtr uint16) {
		base := ix * entrySize
		binary.BigEndian.PutUint16(entries[base:base+2], attrHi)
		binary.BigEndian.PutUint16(entries[base+2:base+4], attrLo)
		entries[base+4] = parent
		entries[base+5] = sibling
		entries[base+6] = child
		binary.BigEndian.PutUint16(entries[base+7:base+9], propPtr)
	}

	obj1PropAddr := uint16(propTableAddr)
	writeEntry(0, 0b0011_0000_0000_0000, 0, 0, 0, 2, obj1PropAddr) // object 1: attrs 2,3 set; child=2
	writeEntry(1, 0, 0, 1, 3, 0, obj1PropAddr+7)                   // object 2: parent=1, sibling=3
	writeEntry(2, 0, 0, 1, 0, 0, obj1PropAddr+7)                   // object 3: parent=1

	tail = append(tail, entries...)

	// Property table for object 1: name length 0, then property 11
	// (length 2, data 0x88 0xe5), property 6 (length 1, data 0x85), end.
	props := []uint8{
		0, // name length 0 (empty short name)
		(1 << 5) | 11, 0x88, 0xe5, // size byte: length-1=1 -> length 2, id 11
		(0 << 5) | 6, 0x85, // size byte: length-1=0 -> length 1, id 6
		0, // terminator
		// Objects 2 and 3 share this empty table: no short name, no properties.
		0, 0,
	}
	tail = append(tail, props...)

	header := make([]uint8, 0x40)
	header[0x00] = 3
	binary.BigEndian.PutUint16(header[0x0a:0x0c], objectTableBase)
	binary.BigEndian.PutUint16(header[0x0e:0x10], uint16(0x40+len(tail)))
	binary.BigEndian.PutUint16(header[0x1a:0x1c], uint16((len(header)+len(tail))/2))

	story := append(header, tail...)
	core, err := zcore.Load(story)
	if err != nil {
		t.Fatalf("zcore.Load: %v", err)
	}

	return core, zstring.NewAlphabets(core)
}

func TestZerothObjectRetrieval(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("retrieving object with id 0 should panic")
		}
	}()

	core, alphabets := buildV3Story(t)
	zobject.Get(core, alphabets, 0)
}

func TestObjectTreeRetrieval(t *testing.T) {
	core, alphabets := buildV3Story(t)

	obj1 := zobject.Get(core, alphabets, 1)
	if obj1.Child != 2 {
		t.Errorf("expected object 1 child = 2, got %d", obj1.Child)
	}

	obj2 := zobject.Get(core, alphabets, 2)
	if obj2.Parent != 1 || obj2.Sibling != 3 {
		t.Errorf("object 2: expected parent=1 sibling=3, got parent=%d sibling=%d", obj2.Parent, obj2.Sibling)
	}
}

func TestPropertyRetrieval(t *testing.T) {
	core, alphabets := buildV3Story(t)
	obj1 := zobject.Get(core, alphabets, 1)

	prop6 := obj1.GetProperty(core, 6)
	if prop6.Length != 1 {
		t.Errorf("incorrect property length %d", prop6.Length)
	}
	if data := prop6.Data(core); data[0] != 0x85 {
		t.Errorf("incorrect property data %x", data[0])
	}

	prop11 := obj1.GetProperty(core, 11)
	if prop11.Length != 2 {
		t.Errorf("incorrect property length %d", prop11.Length)
	}
	if data := prop11.Data(core); data[0] != 0x88 || data[1] != 0xe5 {
		t.Errorf("incorrect property data %x%x", data[0], data[1])
	}

	// Non-existent property falls back to the (zeroed) defaults table.
	prop1 := obj1.GetProperty(core, 1)
	if addr := obj1.GetPropertyAddress(core, 1); addr != 0 {
		t.Error("property 1 should not be present on object 1")
	}
	_ = prop1
}

func TestAttributes(t *testing.T) {
	core, alphabets := buildV3Story(t)
	obj1 := zobject.Get(core, alphabets, 1)

	if obj1.TestAttribute(1) || obj1.TestAttribute(4) {
		t.Error("object 1 should not have attributes 1,4 set")
	}
	if !obj1.TestAttribute(2) || !obj1.TestAttribute(3) {
		t.Error("object 1 should have attributes 2,3 set")
	}

	obj1.SetAttribute(core, 10)
	if !obj1.TestAttribute(10) {
		t.Error("setting attribute 10 didn't work")
	}

	obj1.ClearAttribute(core, 10)
	if obj1.TestAttribute(10) {
		t.Error("clearing attribute 10 didn't work")
	}
}

func TestInsertRemove(t *testing.T) {
	core, alphabets := buildV3Story(t)

	obj1 := zobject.Get(core, alphabets, 1)
	obj3 := zobject.Get(core, alphabets, 3)

	zobject.Remove(core, alphabets, &obj3)
	if obj3.Parent != 0 {
		t.Errorf("expected removed object to have parent 0, got %d", obj3.Parent)
	}

	obj1 = zobject.Get(core, alphabets, 1) // re-read, child chain changed
	zobject.Insert(core, alphabets, &obj3, &obj1)

	obj1 = zobject.Get(core, alphabets, 1)
	if obj1.Child != 3 {
		t.Errorf("expected object 1's new first child to be 3, got %d", obj1.Child)
	}
}
