// Package quetzal implements the Quetzal save format (a "FORM IFZS" IFF
// file): an IFhd identification chunk, a CMem (RLE-diffed against the
// pristine story image) or UMem (raw) memory chunk, and an opaque Stks
// chunk holding the serialized call stack. The call stack's byte layout
// is owned by the zmachine package; quetzal only frames it.
package quetzal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zmachine-go/zvm/iff"
)

// Snapshot is everything needed to resume execution after a restore.
type Snapshot struct {
	Release  uint16
	Serial   [6]byte
	Checksum uint16
	PC       uint32 // 24 bits significant

	Memory []byte // dynamic memory contents at save time
	Stacks []byte // opaque, zmachine-encoded call stack blob
}

var (
	idIFhd = iff.NewChunkID("IFhd")
	idCMem = iff.NewChunkID("CMem")
	idUMem = iff.NewChunkID("UMem")
	idStks = iff.NewChunkID("Stks")
	idIFZS = iff.NewChunkID("IFZS")
)

// Write emits snap as a Quetzal save file, diffing its dynamic memory
// against pristine and using the compact CMem encoding whenever the diff
// is smaller than writing the memory raw as UMem.
func Write(w io.Writer, pristine []byte, snap Snapshot) error {
	ifhd := encodeIFhd(snap)

	diff := rleDiff(pristine, snap.Memory)
	memChunk := iff.Chunk{ID: idCMem, Data: diff}
	if len(diff) >= len(snap.Memory) {
		memChunk = iff.Chunk{ID: idUMem, Data: snap.Memory}
	}

	chunks := []iff.Chunk{
		{ID: idIFhd, Data: ifhd},
		memChunk,
		{ID: idStks, Data: snap.Stacks},
	}

	return iff.WriteForm(w, idIFZS, chunks)
}

// Read parses a Quetzal save file, reconstructing full dynamic memory
// from a CMem diff against pristine when necessary.
func Read(r io.Reader, pristine []byte) (Snapshot, error) {
	form, err := iff.ReadForm(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("quetzal: %w", err)
	}
	if form.SubType != idIFZS {
		return Snapshot{}, fmt.Errorf("quetzal: not an IFZS save (got %q)", form.SubType)
	}

	ifhdChunk, ok := form.Find(idIFhd)
	if !ok {
		return Snapshot{}, fmt.Errorf("quetzal: missing IFhd chunk")
	}
	snap, err := decodeIFhd(ifhdChunk.Data)
	if err != nil {
		return Snapshot{}, err
	}

	if cmem, ok := form.Find(idCMem); ok {
		snap.Memory = applyRLEDiff(pristine, cmem.Data)
	} else if umem, ok := form.Find(idUMem); ok {
		snap.Memory = append([]byte(nil), umem.Data...)
	} else {
		return Snapshot{}, fmt.Errorf("quetzal: missing CMem/UMem chunk")
	}

	if stks, ok := form.Find(idStks); ok {
		snap.Stacks = stks.Data
	} else {
		return Snapshot{}, fmt.Errorf("quetzal: missing Stks chunk")
	}

	return snap, nil
}

func encodeIFhd(snap Snapshot) []byte {
	buf := make([]byte, 13)
	binary.BigEndian.PutUint16(buf[0:2], snap.Release)
	copy(buf[2:8], snap.Serial[:])
	binary.BigEndian.PutUint16(buf[8:10], snap.Checksum)
	buf[10] = byte(snap.PC >> 16)
	buf[11] = byte(snap.PC >> 8)
	buf[12] = byte(snap.PC)
	return buf
}

func decodeIFhd(data []byte) (Snapshot, error) {
	if len(data) < 13 {
		return Snapshot{}, fmt.Errorf("quetzal: IFhd chunk too short (%d bytes)", len(data))
	}
	var snap Snapshot
	snap.Release = binary.BigEndian.Uint16(data[0:2])
	copy(snap.Serial[:], data[2:8])
	snap.Checksum = binary.BigEndian.Uint16(data[8:10])
	snap.PC = uint32(data[10])<<16 | uint32(data[11])<<8 | uint32(data[12])
	return snap, nil
}

// rleDiff implements Quetzal's CMem encoding: XOR current against
// pristine byte-for-byte, then run-length-encode spans of zero bytes as
// a 0x00 byte followed by (run length - 1); non-zero XOR bytes are
// emitted literally.
func rleDiff(pristine, current []byte) []byte {
	var out bytes.Buffer
	n := len(current)

	zeroRun := 0
	flushRun := func() {
		for zeroRun > 0 {
			chunk := zeroRun
			if chunk > 256 {
				chunk = 256
			}
			out.WriteByte(0)
			out.WriteByte(byte(chunk - 1))
			zeroRun -= chunk
		}
	}

	for i := 0; i < n; i++ {
		var p byte
		if i < len(pristine) {
			p = pristine[i]
		}
		x := p ^ current[i]

		if x == 0 {
			zeroRun++
			continue
		}
		flushRun()
		out.WriteByte(x)
	}
	flushRun()

	return out.Bytes()
}

// applyRLEDiff reverses rleDiff: starting from a copy of pristine,
// applies the encoded XOR stream to reproduce the saved memory image.
func applyRLEDiff(pristine []byte, diff []byte) []byte {
	current := append([]byte(nil), pristine...)

	pos := 0
	for i := 0; i < len(diff); i++ {
		b := diff[i]
		if b == 0 && i+1 < len(diff) {
			runLen := int(diff[i+1]) + 1
			pos += runLen
			i++
			continue
		}
		if pos < len(current) {
			current[pos] ^= b
		}
		pos++
	}

	return current
}
