// Package zobject implements the Z-machine object tree: version-dependent
// object table layout, attribute flags, parent/sibling/child pointers and
// the per-object property list.
package zobject

import (
	"fmt"

	"github.com/zmachine-go/zvm/zcore"
	"github.com/zmachine-go/zvm/zstring"
)

// ObjectError is raised (via panic) for object-tree operations a story
// file can get wrong at runtime, such as addressing object 0 or a
// corrupted sibling chain. The engine recovers it as a fault.
type ObjectError struct {
	Msg string
}

func (e *ObjectError) Error() string { return e.Msg }

// Object is a decoded view of one object table entry. Mutating methods
// write straight back through to the supplied Core.
type Object struct {
	BaseAddress     uint32
	Id              uint16
	Name            string
	Attributes      uint64 // top AttributeBits bits are meaningful
	Parent          uint16 // uint8-range on v1-3
	Sibling         uint16
	Child           uint16
	PropertyPointer uint16
}

// Get decodes object objId out of the object table.
func Get(core *zcore.Core, alphabets *zstring.Alphabets, objId uint16) Object {
	if objId == 0 {
		panic(&ObjectError{Msg: "object id 0 does not exist"})
	}

	if core.VersionProfile.Version >= 4 {
		objectBase := uint32(core.ObjectTableBase) + 63*2 + uint32(objId-1)*14
		propertyPtr := core.MustReadDataWord(objectBase + 12)
		name := readObjectName(core, alphabets, propertyPtr)

		hi := uint64(core.MustReadDataWord(objectBase))
		mid := uint64(core.MustReadDataWord(objectBase + 2))
		lo := uint64(core.MustReadDataWord(objectBase + 4))
		attrs := (hi<<32 | mid<<16 | lo) << 16 // left-justify 48 bits in 64

		return Object{
			Id:              objId,
			Name:            name,
			Attributes:      attrs,
			Parent:          core.MustReadDataWord(objectBase + 6),
			Sibling:         core.MustReadDataWord(objectBase + 8),
			Child:           core.MustReadDataWord(objectBase + 10),
			PropertyPointer: propertyPtr,
			BaseAddress:     objectBase,
		}
	}

	objectBase := uint32(core.ObjectTableBase) + 31*2 + uint32(objId-1)*9
	propertyPtr := core.MustReadDataWord(objectBase + 7)
	name := readObjectName(core, alphabets, propertyPtr)

	attr := uint64(core.MustReadDataWord(objectBase))<<16 | uint64(core.MustReadDataWord(objectBase+2))

	return Object{
		Id:              objId,
		Name:            name,
		Attributes:      attr << 32,
		Parent:          uint16(core.MustReadDataByte(objectBase + 4)),
		Sibling:         uint16(core.MustReadDataByte(objectBase + 5)),
		Child:           uint16(core.MustReadDataByte(objectBase + 6)),
		PropertyPointer: propertyPtr,
		BaseAddress:     objectBase,
	}
}

func readObjectName(core *zcore.Core, alphabets *zstring.Alphabets, propertyPtr uint16) string {
	nameLength := core.MustReadDataByte(uint32(propertyPtr))
	if nameLength == 0 {
		return ""
	}
	name, _ := zstring.Decode(core, alphabets, uint32(propertyPtr)+1)
	return name
}

// TestAttribute reports whether attribute bit `attribute` (0 = most
// significant bit of the first attribute byte, per the standard's
// MSB-first convention) is set.
func (o *Object) TestAttribute(attribute uint16) bool {
	mask := uint64(1) << (63 - attribute)
	return (o.Attributes & mask) == mask
}

func (o *Object) SetAttribute(core *zcore.Core, attribute uint16) {
	mask := uint64(1) << (63 - attribute)
	o.Attributes |= mask
	o.writeAttributes(core)
}

func (o *Object) ClearAttribute(core *zcore.Core, attribute uint16) {
	mask := uint64(1) << (63 - attribute)
	o.Attributes &^= mask
	o.writeAttributes(core)
}

func (o *Object) writeAttributes(core *zcore.Core) {
	if core.VersionProfile.Version >= 4 {
		bits := o.Attributes >> 16 // 48 significant bits
		core.MustWriteWord(o.BaseAddress, uint16(bits>>32))
		core.MustWriteWord(o.BaseAddress+2, uint16(bits>>16))
		core.MustWriteWord(o.BaseAddress+4, uint16(bits))
		return
	}

	bits := o.Attributes >> 32 // 32 significant bits
	core.MustWriteWord(o.BaseAddress, uint16(bits>>16))
	core.MustWriteWord(o.BaseAddress+2, uint16(bits))
}

func (o *Object) SetParent(core *zcore.Core, parent uint16) {
	if core.VersionProfile.Version >= 4 {
		core.MustWriteWord(o.BaseAddress+6, parent)
	} else {
		core.MustWriteByte(o.BaseAddress+4, uint8(parent))
	}
	o.Parent = parent
}

func (o *Object) SetSibling(core *zcore.Core, sibling uint16) {
	if core.VersionProfile.Version >= 4 {
		core.MustWriteWord(o.BaseAddress+8, sibling)
	} else {
		core.MustWriteByte(o.BaseAddress+5, uint8(sibling))
	}
	o.Sibling = sibling
}

func (o *Object) SetChild(core *zcore.Core, child uint16) {
	if core.VersionProfile.Version >= 4 {
		core.MustWriteWord(o.BaseAddress+10, child)
	} else {
		core.MustWriteByte(o.BaseAddress+6, uint8(child))
	}
	o.Child = child
}

// Unlink detaches the object from its parent's child/sibling chain,
// implementing the remove_obj half of a re-parent or pure removal.
func Unlink(core *zcore.Core, alphabets *zstring.Alphabets, obj *Object) {
	if obj.Parent == 0 {
		return
	}

	parent := Get(core, alphabets, obj.Parent)
	if parent.Child == obj.Id {
		parent.SetChild(core, obj.Sibling)
		return
	}

	sibling := Get(core, alphabets, parent.Child)
	for sibling.Sibling != obj.Id {
		if sibling.Sibling == 0 {
			panic(&ObjectError{Msg: fmt.Sprintf("object %d not found in parent %d's sibling chain", obj.Id, obj.Parent)})
		}
		sibling = Get(core, alphabets, sibling.Sibling)
	}
	sibling.SetSibling(core, obj.Sibling)
}

// Insert makes obj the first child of newParent (insert_obj semantics):
// unlink obj from wherever it is, then push it onto newParent's child
// chain.
func Insert(core *zcore.Core, alphabets *zstring.Alphabets, obj *Object, newParent *Object) {
	Unlink(core, alphabets, obj)

	obj.SetSibling(core, newParent.Child)
	obj.SetParent(core, newParent.Id)
	newParent.SetChild(core, obj.Id)
}

// Remove detaches obj from the tree entirely (remove_obj semantics).
func Remove(core *zcore.Core, alphabets *zstring.Alphabets, obj *Object) {
	Unlink(core, alphabets, obj)
	obj.SetParent(core, 0)
	obj.SetSibling(core, 0)
}
