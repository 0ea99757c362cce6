package zmachine

import (
	"bytes"
	"math/bits"

	"github.com/zmachine-go/zvm/quetzal"
)

// Save is a request to persist the running machine's state, handed to
// the provider to satisfy (writing to disk, prompting the player for a
// filename, whatever the frontend wants).
type Save struct {
	Prompt   bool
	Filename string
	Address  uint32 // 0 means full save
	NumBytes uint32 // 0 means full save
}

// Restore is the read-side counterpart of Save.
type Restore struct {
	Prompt   bool
	Filename string
	Address  uint32 // 0 means full restore
	NumBytes uint32 // 0 means full restore
}

// SaveRestoreResponse is the host's answer to a Save or Restore request.
type SaveRestoreResponse interface {
	isSaveRestoreResponse()
}

type SaveResponse struct {
	Success bool
	Result  uint16 // 0 = failure, 1 = success
}

func (SaveResponse) isSaveRestoreResponse() {}

type RestoreResponse struct {
	Success bool
	Result  uint16 // 0 = failure, 2 = success; for auxiliary: bytes loaded
	Data    []byte // Quetzal save file bytes for full restore
}

func (RestoreResponse) isSaveRestoreResponse() {}

// SaveState is an in-memory snapshot of everything a restore or undo
// needs to resume execution: the dynamic memory region and the call
// stack, deep-copied so later execution cannot mutate a saved snapshot.
type SaveState struct {
	staticMemoryBase uint16
	dynamicMemory    []uint8
	pc               uint32
	callStack        CallStack
}

// InMemorySaveStateCache backs the save_undo/restore_undo opcodes. Unlike
// full save/restore it never touches disk, so no serialization is
// needed: a deep copy is enough.
type InMemorySaveStateCache struct {
	saveStates []SaveState
}

func (z *ZMachine) captureState() SaveState {
	dynamicMemory := make([]uint8, z.Core.StaticMemoryBase)
	copy(dynamicMemory, z.Core.DynamicMemory())

	return SaveState{
		staticMemoryBase: z.Core.StaticMemoryBase,
		dynamicMemory:    dynamicMemory,
		pc:               z.callStack.peek().pc,
		callStack:        z.callStack.copy(),
	}
}

func (z *ZMachine) applyState(state SaveState) bool {
	if state.staticMemoryBase != z.Core.StaticMemoryBase {
		return false
	}

	if err := z.Core.ReplaceDynamicMemory(state.dynamicMemory); err != nil {
		return false
	}
	z.callStack = state.callStack.copy()
	return true
}

func (z *ZMachine) saveUndo() {
	z.UndoStates.saveStates = append(z.UndoStates.saveStates, z.captureState())
}

func (z *ZMachine) restoreUndo() uint16 {
	if len(z.UndoStates.saveStates) == 0 {
		return 0
	}

	state := z.UndoStates.saveStates[len(z.UndoStates.saveStates)-1]
	z.UndoStates.saveStates = z.UndoStates.saveStates[:len(z.UndoStates.saveStates)-1]

	if !z.applyState(state) {
		return 0
	}
	return 2
}

// readAsciiString reads a length-prefixed ASCII string (not a Z-string,
// per the standard's rule for save-area filenames passed via operands).
func (z *ZMachine) readAsciiString(address uint32) string {
	if address == 0 {
		return ""
	}

	length := z.Core.MustReadByte(address)
	if length == 0 {
		return ""
	}

	buf := make([]byte, length)
	for i := uint32(0); i < uint32(length); i++ {
		buf[i] = z.Core.MustReadByte(address + 1 + i)
	}
	return string(buf)
}

// ExportSaveState serializes the machine's current state as a Quetzal
// (IFZS) save file.
func (z *ZMachine) ExportSaveState() []byte {
	snap := quetzal.Snapshot{
		Release:  z.Core.Release,
		Checksum: z.Core.FileChecksum,
		PC:       z.callStack.peek().pc,
		Memory:   z.Core.DynamicMemory(),
		Stacks:   z.encodeStacks(),
	}
	copy(snap.Serial[:], z.Core.Slice(0x12, 0x18))

	var buf bytes.Buffer
	if err := quetzal.Write(&buf, z.Core.Pristine(uint32(z.Core.StaticMemoryBase)), snap); err != nil {
		return nil
	}
	return buf.Bytes()
}

// ImportSaveState restores the machine's state from a Quetzal save file's
// bytes. The save must identify the loaded story (release, serial and
// checksum all matching) or it is rejected.
func (z *ZMachine) ImportSaveState(data []byte) bool {
	snap, err := quetzal.Read(bytes.NewReader(data), z.Core.Pristine(uint32(z.Core.StaticMemoryBase)))
	if err != nil {
		return false
	}
	if snap.Release != z.Core.Release || snap.Checksum != z.Core.FileChecksum ||
		!bytes.Equal(snap.Serial[:], z.Core.Slice(0x12, 0x18)) {
		return false
	}
	if uint16(len(snap.Memory)) != z.Core.StaticMemoryBase {
		return false
	}

	stack, err := decodeStacks(snap.Stacks)
	if err != nil {
		return false
	}

	if err := z.Core.ReplaceDynamicMemory(snap.Memory); err != nil {
		return false
	}
	z.callStack = stack
	z.callStack.peek().pc = snap.PC
	return true
}

// handleSave services the save opcode (v1-3 branch on success, v4+
// store 0 or 1; the value 2 is stored only after a restore) by asking
// the provider, which decides how bytes actually reach disk.
func (z *ZMachine) handleSave(filenameAddr uint32) bool {
	response := z.provider.Save(Save{Filename: z.readAsciiString(filenameAddr)})
	resp, ok := response.(SaveResponse)
	return ok && resp.Success
}

// handleRestore services the restore opcode. Returns ok=false if the
// restore failed (caller should branch/store failure and keep running);
// on success the call stack has already been replaced, so the caller
// must not touch its old frame again.
func (z *ZMachine) handleRestore(filenameAddr uint32) bool {
	response := z.provider.Restore(Restore{Filename: z.readAsciiString(filenameAddr)})
	resp, ok := response.(RestoreResponse)
	if !ok || !resp.Success {
		return false
	}
	return z.ImportSaveState(resp.Data)
}

// encodeStacks serializes the call stack as the Quetzal Stks chunk: a
// dummy record for the main routine first, then one record per routine
// call, oldest to youngest. Each record is the standard frame layout -
// return PC (3 bytes, pointing past the call's store byte), a flags
// byte packing the result-discarded bit (0x10) with the locals count,
// the result-store variable byte, a bitmap of supplied arguments, and
// the frame's own eval-stack depth (2 bytes) - followed by the local
// words and eval-stack words.
//
// This engine keeps each frame's *current* PC and re-reads the store
// byte from memory at return time, so the caller-relative return data
// is derived here: the caller's PC sits on the store byte for function
// calls (return PC is one past it) and on the next instruction for
// procedure calls.
func (z *ZMachine) encodeStacks() []byte {
	var buf bytes.Buffer
	for i, frame := range z.callStack.frames {
		if i == 0 {
			writeStackFrame(&buf, 0, 0, 0, 0, nil, frame.routineStack)
			continue
		}

		callerPC := z.callStack.frames[i-1].pc
		returnPC := callerPC
		resultVar := uint8(0)
		flags := uint8(len(frame.locals))
		if frame.routineType == function {
			resultVar = z.Core.MustReadByte(callerPC)
			returnPC++
		} else {
			flags |= 0x10
		}

		args := frame.numValuesPassed
		if args > 7 {
			args = 7
		}
		argsMask := uint8(1)<<args - 1

		writeStackFrame(&buf, returnPC, flags, resultVar, argsMask, frame.locals, frame.routineStack)
	}
	return buf.Bytes()
}

func writeStackFrame(buf *bytes.Buffer, returnPC uint32, flags, resultVar, argsMask uint8, locals, stack []uint16) {
	buf.Write([]byte{
		byte(returnPC >> 16), byte(returnPC >> 8), byte(returnPC),
		flags, resultVar, argsMask,
		byte(len(stack) >> 8), byte(len(stack)),
	})
	for _, v := range locals {
		buf.Write([]byte{byte(v >> 8), byte(v)})
	}
	for _, v := range stack {
		buf.Write([]byte{byte(v >> 8), byte(v)})
	}
}

// decodeStacks rebuilds a call stack from a Stks chunk. The first
// record is the main routine's dummy frame; each later record's return
// PC reseats the *previous* frame (backed up onto the store byte for
// function calls, since returns re-read it from memory), and the
// caller seats the innermost frame's PC from IFhd afterwards. The
// recorded result variable is redundant with the store byte still in
// story memory, so it is not consulted.
func decodeStacks(data []byte) (CallStack, error) {
	var frames []CallStackFrame
	offset := 0

	for offset < len(data) {
		if offset+8 > len(data) {
			return CallStack{}, newFault(FaultRestoreFailed, "truncated Stks frame header at byte %d", offset)
		}

		returnPC := uint32(data[offset])<<16 | uint32(data[offset+1])<<8 | uint32(data[offset+2])
		flags := data[offset+3]
		argsMask := data[offset+5]
		stackSize := int(data[offset+6])<<8 | int(data[offset+7])
		offset += 8

		discard := flags&0x10 != 0
		localCount := int(flags & 0x0f)

		if offset+(localCount+stackSize)*2 > len(data) {
			return CallStack{}, newFault(FaultRestoreFailed, "truncated Stks frame body at byte %d", offset)
		}
		frame := CallStackFrame{
			locals:       make([]uint16, localCount),
			routineStack: make([]uint16, stackSize),
		}
		for j := range frame.locals {
			frame.locals[j] = uint16(data[offset])<<8 | uint16(data[offset+1])
			offset += 2
		}
		for j := range frame.routineStack {
			frame.routineStack[j] = uint16(data[offset])<<8 | uint16(data[offset+1])
			offset += 2
		}

		if len(frames) == 0 {
			// Dummy frame: its header fields are all zero by construction.
			frames = append(frames, frame)
			continue
		}

		frame.routineType = function
		callerPC := returnPC
		if discard {
			frame.routineType = procedure
		} else {
			callerPC--
		}
		frame.numValuesPassed = bits.OnesCount8(argsMask)
		frames[len(frames)-1].pc = callerPC
		frames = append(frames, frame)
	}

	if len(frames) == 0 {
		return CallStack{}, newFault(FaultRestoreFailed, "empty Stks chunk")
	}
	return CallStack{frames: frames}, nil
}
