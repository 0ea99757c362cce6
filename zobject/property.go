package zobject

import (
	"fmt"

	"github.com/zmachine-go/zvm/zcore"
)

// PropertyError is raised (via panic) for property operations a story
// file can get wrong at runtime: put_prop on a missing or wide property,
// get_next_prop on an absent one. The engine recovers it and reports a
// bad_property fault instead of crashing the host.
type PropertyError struct {
	Msg string
}

func (e *PropertyError) Error() string { return e.Msg }

func propertyErrorf(format string, args ...any) *PropertyError {
	return &PropertyError{Msg: fmt.Sprintf(format, args...)}
}

// Property is a decoded view of one entry in an object's property list.
type Property struct {
	Id                   uint8
	Length               uint8
	DataAddress          uint32
	PropertyHeaderLength uint8
	Address              uint32
}

// Data returns the property's raw bytes.
func (p Property) Data(core *zcore.Core) []uint8 {
	if p.DataAddress == 0 {
		return nil
	}
	return core.Slice(p.DataAddress, p.DataAddress+uint32(p.Length))
}

// lengthFromSizeByte recovers a property's length by examining the byte
// immediately before its data, the standard's own inverse of the
// encoding so that get_prop_len can be computed from a bare data address.
func lengthFromSizeByte(core *zcore.Core, dataAddr uint32) uint16 {
	if dataAddr == 0 {
		return 0
	}

	prevByte := core.MustReadDataByte(dataAddr - 1)
	if core.VersionProfile.Version <= 3 {
		return uint16(prevByte>>5) + 1
	}
	if prevByte&0b1000_0000 != 0 {
		length := prevByte & 0b11_1111
		if length == 0 {
			return 64
		}
		return uint16(length)
	}
	return uint16((prevByte>>6)&1) + 1
}

// GetPropertyLength implements the get_prop_len opcode.
func GetPropertyLength(core *zcore.Core, dataAddr uint32) uint16 {
	return lengthFromSizeByte(core, dataAddr)
}

func parsePropertyAt(core *zcore.Core, addr uint32) Property {
	sizeByte := core.MustReadDataByte(addr)
	length := (sizeByte >> 5) + 1
	id := sizeByte & 0b1_1111
	headerLength := uint8(1)

	if core.VersionProfile.Version >= 4 {
		if sizeByte>>7 == 1 {
			lengthByte := core.MustReadDataByte(addr + 1)
			length = lengthByte & 0b11_1111
			if length == 0 {
				length = 64
			}
			id = sizeByte & 0b11_1111
			headerLength = 2
		} else {
			length = ((sizeByte >> 6) & 1) + 1
			id = sizeByte & 0b11_1111
		}
	}

	dataAddr := addr + uint32(headerLength)
	return Property{
		Id:                   id,
		Length:               length,
		DataAddress:          dataAddr,
		PropertyHeaderLength: headerLength,
		Address:              addr,
	}
}

func (o *Object) firstPropertyAddress(core *zcore.Core) uint32 {
	nameLength := core.MustReadDataByte(uint32(o.PropertyPointer))
	return uint32(o.PropertyPointer) + 1 + uint32(nameLength)*2
}

// GetProperty returns property propertyId on o, or its table default
// value (property defaults table entry) if o does not define it.
func (o *Object) GetProperty(core *zcore.Core, propertyId uint8) Property {
	ptr := o.firstPropertyAddress(core)

	for {
		if core.MustReadDataByte(ptr) == 0 {
			break
		}

		prop := parsePropertyAt(core, ptr)
		if prop.Id == propertyId {
			return prop
		}
		if prop.Id < propertyId {
			// Properties are stored in descending id order; once we pass
			// below the target it cannot appear later in the list.
			break
		}

		ptr = prop.DataAddress + uint32(prop.Length)
	}

	defaultAddr := uint32(core.ObjectTableBase) + 2*uint32(propertyId-1)
	return Property{Id: propertyId, Length: 2, DataAddress: defaultAddr}
}

// SetProperty implements put_prop: the property must already exist on
// the object (the standard does not allow creating new properties at
// runtime).
func (o *Object) SetProperty(core *zcore.Core, propertyId uint8, value uint16) {
	ptr := o.firstPropertyAddress(core)

	for {
		if core.MustReadDataByte(ptr) == 0 {
			break
		}

		prop := parsePropertyAt(core, ptr)
		if prop.Id == propertyId {
			switch prop.Length {
			case 1:
				core.MustWriteByte(prop.DataAddress, uint8(value))
			case 2:
				core.MustWriteWord(prop.DataAddress, value)
			default:
				panic(propertyErrorf("put_prop on object %d property %d with length %d", o.Id, propertyId, prop.Length))
			}
			return
		}

		ptr = prop.DataAddress + uint32(prop.Length)
	}

	panic(propertyErrorf("put_prop: object %d has no property %d", o.Id, propertyId))
}

// GetPropertyAddress implements get_prop_addr: 0 if the object does not
// define the property itself (table defaults don't count).
func (o *Object) GetPropertyAddress(core *zcore.Core, propertyId uint8) uint32 {
	ptr := o.firstPropertyAddress(core)

	for {
		if core.MustReadDataByte(ptr) == 0 {
			return 0
		}

		prop := parsePropertyAt(core, ptr)
		if prop.Id == propertyId {
			return prop.DataAddress
		}
		if prop.Id < propertyId {
			return 0
		}

		ptr = prop.DataAddress + uint32(prop.Length)
	}
}

// GetNextProperty implements get_next_prop. propertyId 0 means "first
// property".
func (o *Object) GetNextProperty(core *zcore.Core, propertyId uint8) uint8 {
	ptr := o.firstPropertyAddress(core)

	if propertyId == 0 {
		if core.MustReadDataByte(ptr) == 0 {
			return 0
		}
		return parsePropertyAt(core, ptr).Id
	}

	for {
		if core.MustReadDataByte(ptr) == 0 {
			panic(propertyErrorf("get_next_prop: property %d not present on object %d", propertyId, o.Id))
		}

		prop := parsePropertyAt(core, ptr)
		ptr = prop.DataAddress + uint32(prop.Length)

		if prop.Id == propertyId {
			if core.MustReadDataByte(ptr) == 0 {
				return 0
			}
			return parsePropertyAt(core, ptr).Id
		}
	}
}
