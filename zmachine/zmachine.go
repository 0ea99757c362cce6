package zmachine

import (
	"encoding/binary"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/zmachine-go/zvm/dictionary"
	"github.com/zmachine-go/zvm/zcore"
	"github.com/zmachine-go/zvm/zobject"
	"github.com/zmachine-go/zvm/zstring"
	"github.com/zmachine-go/zvm/ztable"
)

// StatusBar is the v1-3 status line content, recomputed before every
// SREAD and on show_status.
type StatusBar struct {
	PlaceName   string
	Score       int
	Moves       int
	IsTimeBased bool
}

// Quit is the message ChannelProvider forwards when the quit opcode
// runs.
type Quit bool

// Restart is the message ChannelProvider forwards for the restart
// opcode. The interpreter does not reload itself: the host is expected
// to discard this machine and load the original bytes again, matching
// how restart hands control back to the outer shell rather than the
// running story.
type Restart bool

// RuntimeError reports a recovered Fault; its text is the Fault's error
// message.
type RuntimeError string

// Warning is a non-fatal diagnostic, printed by the host and otherwise
// ignored.
type Warning string

type EraseWindowRequest int

// EraseLineRequest implements erase_line: 1 means "erase from the
// cursor to the end of the current line in the active window".
type EraseLineRequest int

// InputRequest accompanies a sread opcode: the host should collect a
// line of text terminated by one of ValidTerminators.
type InputRequest struct {
	ValidTerminators []uint8
}

// InputResponse answers either an InputRequest (Text holds the typed
// line) or a WaitForCharacter request (TerminatingKey holds the single
// character code when no printable rune was typed).
type InputResponse struct {
	Text           string
	TerminatingKey uint8
}

// SoundEffectRequest implements the sound_effect opcode's parameters.
type SoundEffectRequest struct {
	SoundNumber int
	Effect      int
	Routine     uint16
}

type StateChangeRequest int

const (
	WaitForInput     StateChangeRequest = iota
	WaitForCharacter StateChangeRequest = iota
	Running          StateChangeRequest = iota
)

type RoutineType int

const (
	function  RoutineType = iota
	procedure RoutineType = iota
	interrupt RoutineType = iota
)

type MemoryStreamData struct {
	baseAddress uint32
	ptr         uint32
}

type Streams struct {
	Screen           bool
	Transcript       bool
	Memory           bool
	MemoryStreamData []MemoryStreamData
	CommandScript    bool
}

// ZMachine is one running story: its memory image, the live call stack,
// and the Provider it issues I/O commands to (a TUI adapter, a batch
// test harness). All interpreter state lives here; nothing is global.
type ZMachine struct {
	callStack   CallStack
	Core        zcore.Core
	dictionary  *dictionary.Dictionary
	screenModel ScreenModel
	streams     Streams
	rng         rand.Rand
	Alphabets   *zstring.Alphabets
	provider    Provider
	UndoStates  InMemorySaveStateCache
}

func (z *ZMachine) readIncPC(frame *CallStackFrame) uint8 {
	v := z.Core.MustReadByte(frame.pc)
	frame.pc++
	return v
}

// ReadHalfWordIncPC reads a big-endian word at frame's PC and advances
// it by 2; exported for use by the opcode decoder.
func (z *ZMachine) ReadHalfWordIncPC(frame *CallStackFrame) uint16 {
	v := z.Core.MustReadWord(frame.pc)
	frame.pc += 2
	return v
}

func (z *ZMachine) readVariable(variable uint8, indirect bool) uint16 {
	frame := z.callStack.peek()

	switch {
	case variable == 0: // stack
		// Indirect references to the stack pointer (inc, dec, inc_chk,
		// dec_chk, load, store, pull) read/write in place rather than
		// popping or pushing.
		if indirect {
			return frame.peekTop()
		}
		return frame.pop()
	case variable < 16: // routine locals
		if int(variable)-1 >= len(frame.locals) {
			panic(newFault(FaultBadMemoryAccess, "read of undefined local variable %d", variable))
		}
		return frame.locals[variable-1]
	default: // globals
		return z.Core.ReadGlobal(variable)
	}
}

func (z *ZMachine) writeVariable(variable uint8, value uint16, indirect bool) {
	frame := z.callStack.peek()

	switch {
	case variable == 0:
		if indirect {
			_ = frame.pop()
		}
		frame.push(value)
	case variable < 16:
		if int(variable)-1 >= len(frame.locals) {
			panic(newFault(FaultBadMemoryAccess, "write to undefined local variable %d", variable))
		}
		frame.locals[variable-1] = value
	default:
		z.Core.WriteGlobal(variable, value)
	}
}

// LoadRom parses storyFile and prepares a ZMachine ready to Run, talking
// to the host over the channel protocol: the input/save-restore channels
// are read from, the output channel is written to. All three are owned
// by the host, which should create them unbuffered or lightly buffered
// and pump them from a UI loop. Hosts that prefer direct calls over
// message-passing use NewMachine with their own Provider instead.
func LoadRom(storyFile []uint8, inputChannel <-chan InputResponse, saveRestoreChannel <-chan SaveRestoreResponse, outputChannel chan<- any) *ZMachine {
	return NewMachine(storyFile, &ChannelProvider{
		Output:      outputChannel,
		Input:       inputChannel,
		SaveRestore: saveRestoreChannel,
	})
}

// NewMachine parses storyFile and prepares a ZMachine that issues its
// I/O commands to provider.
func NewMachine(storyFile []uint8, provider Provider) *ZMachine {
	core, err := zcore.Load(storyFile)
	if err != nil {
		panic(err)
	}

	machine := &ZMachine{
		Core:     *core,
		provider: provider,
		streams:  Streams{Screen: true},
		rng:      *rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	switch machine.Core.VersionProfile.Version {
	case 3, 4, 5, 7, 8:
	default:
		panic(newFault(FaultUnsupportedVersion, "story declares version %d", machine.Core.VersionProfile.Version))
	}

	machine.Alphabets = zstring.NewAlphabets(&machine.Core)
	machine.dictionary = machine.parseDictionary(uint32(machine.Core.DictionaryBase))
	machine.screenModel = newScreenModel(Color{255, 255, 255}, Color{0, 0, 0})

	machine.callStack.push(CallStackFrame{
		pc: uint32(machine.Core.InitialPC),
	})

	return machine
}

// parseDictionary wraps dictionary.Parse with the version's minimum
// entry-length check (4 bytes of encoded word in v3, 6 in v4+).
func (z *ZMachine) parseDictionary(baseAddress uint32) *dictionary.Dictionary {
	dict := dictionary.Parse(&z.Core, baseAddress)
	minLen := uint8(z.Core.DictionaryEntryZChars) / 3 * 2
	if dict.EntryLen < minLen {
		panic(newFault(FaultDictionaryEntryTooShort, "dictionary at 0x%04x declares %d-byte entries, minimum is %d", baseAddress, dict.EntryLen, minLen))
	}
	return dict
}

func (z *ZMachine) call(opcode *Opcode, routineType RoutineType) {
	routineAddress := z.Core.PackedAddress(opcode.operands[0].Value(z), false)

	// Calling routine 0 is special-cased by the standard: no call is
	// made and 0 is stored/discarded as if the routine had just returned.
	if routineAddress == 0 {
		if routineType == function {
			z.writeVariable(z.readIncPC(z.callStack.peek()), 0, false)
		}
		return
	}

	localVariableCount := z.Core.MustReadByte(routineAddress)
	routineAddress++

	locals := make([]uint16, localVariableCount)
	for i := 0; i < int(localVariableCount); i++ {
		if i+1 < len(opcode.operands) {
			locals[i] = opcode.operands[i+1].Value(z)
		} else if z.Core.VersionProfile.Version < 5 {
			locals[i] = z.Core.MustReadWord(routineAddress)
		}
		if z.Core.VersionProfile.Version < 5 {
			routineAddress += 2
		}
	}

	z.callStack.push(CallStackFrame{
		pc:              routineAddress,
		locals:          locals,
		routineType:     routineType,
		numValuesPassed: len(opcode.operands) - 1,
	})
}

func (z *ZMachine) handleBranch(frame *CallStackFrame, result bool) {
	branchArg1 := z.readIncPC(frame)

	branchReversed := (branchArg1>>7)&1 == 0
	singleByte := (branchArg1>>6)&1 == 1
	offset := int32(branchArg1 & 0b11_1111)

	if !singleByte {
		offset = int32(int16((uint16(branchArg1&0b11_1111)<<8|uint16(z.readIncPC(frame)))<<2) >> 2)
	}

	if result != branchReversed {
		if offset == 0 {
			z.retValue(0)
		} else if offset == 1 {
			z.retValue(1)
		} else {
			frame.pc = uint32(int32(frame.pc) + offset - 2)
		}
	}
}

// returnFromFrame stores val into the caller's destination variable (for
// a function call) and is shared by ordinary return and throw.
func (z *ZMachine) returnFromFrame(oldFrame CallStackFrame, val uint16) {
	if z.callStack.depth() == 0 {
		return
	}
	newFrame := z.callStack.peek()
	if oldFrame.routineType == function {
		destination := z.readIncPC(newFrame)
		z.writeVariable(destination, val, false)
	}
}

func (z *ZMachine) retValue(val uint16) {
	oldFrame := z.callStack.pop()
	z.returnFromFrame(oldFrame, val)
}

// throwTo implements the throw opcode: unwind the call stack to the
// depth recorded by a prior catch, then return val from that frame.
func (z *ZMachine) throwTo(token uint16, val uint16) {
	for uint16(z.callStack.depth()) > token {
		z.callStack.pop()
	}
	if z.callStack.depth() == 0 {
		return
	}
	oldFrame := z.callStack.pop()
	z.returnFromFrame(oldFrame, val)
}

func (z *ZMachine) RemoveObject(objId uint16) {
	if objId == 0 {
		return
	}
	obj := zobject.Get(&z.Core, z.Alphabets, objId)
	zobject.Remove(&z.Core, z.Alphabets, &obj)
}

func (z *ZMachine) MoveObject(objId uint16, newParent uint16) {
	if objId == 0 {
		return
	}
	obj := zobject.Get(&z.Core, z.Alphabets, objId)
	if newParent == 0 {
		zobject.Remove(&z.Core, z.Alphabets, &obj)
		return
	}
	parent := zobject.Get(&z.Core, z.Alphabets, newParent)
	zobject.Insert(&z.Core, z.Alphabets, &obj, &parent)
}

// objectLinks returns the tree pointers of objId, treating id 0 as the
// standard's "no object" (all links 0) rather than an error. Opcodes
// that only follow links use this; property and attribute mutation on
// object 0 still faults.
func (z *ZMachine) objectLinks(objId uint16) (parent, sibling, child uint16) {
	if objId == 0 {
		return 0, 0, 0
	}
	obj := zobject.Get(&z.Core, z.Alphabets, objId)
	return obj.Parent, obj.Sibling, obj.Child
}

func (z *ZMachine) appendText(s string) {
	if z.streams.Memory {
		currentMemoryStream := &z.streams.MemoryStreamData[len(z.streams.MemoryStreamData)-1]
		for _, r := range s {
			z.Core.MustWriteByte(currentMemoryStream.ptr, uint8(r))
			currentMemoryStream.ptr++
		}

		// Output stream 3 is exclusive: while selected, no text is sent
		// to any other stream even if it remains selected.
		return
	}

	if z.streams.Screen {
		z.provider.Print(s)

		if !z.screenModel.LowerWindowActive {
			lines := strings.Split(s, "\n")
			z.screenModel.UpperWindowCursorY += len(lines) - 1
			if len(lines) > 1 {
				z.screenModel.UpperWindowCursorX = len(lines[len(lines)-1])
			} else {
				z.screenModel.UpperWindowCursorX += len(lines[0])
			}
			z.provider.UpdateScreen(z.screenModel)
		}
	}

	if z.streams.Transcript {
		// Transcript (stream 2) output is appended to the same text the
		// screen stream already received; nothing further to do here
		// since the host decides where transcript text ultimately goes.
	}
}

// sendStatusBar recomputes and emits the v1-3 status line, used both
// before sread and by the explicit show_status opcode.
func (z *ZMachine) sendStatusBar() {
	placeName := ""
	if locationId := z.readVariable(16, false); locationId != 0 {
		placeName = zobject.Get(&z.Core, z.Alphabets, locationId).Name
	}
	z.provider.Status(StatusBar{
		PlaceName:   placeName,
		Score:       int(int16(z.readVariable(17, false))),
		Moves:       int(z.readVariable(18, false)),
		IsTimeBased: z.Core.Flags1&0x02 != 0,
	})
}

// tokenise implements the read/tokenise opcodes' lexing step: splitting
// text on whitespace and dictionary separators, then looking each token
// up and writing the parse buffer in the standard's fixed 4-byte-per-word
// layout.
func (z *ZMachine) tokenise(textBufferAddr uint32, parseBufferAddr uint32, dict *dictionary.Dictionary, leaveUnrecognizedBlank bool) {
	textStart := textBufferAddr + 1
	var text string

	if z.Core.VersionProfile.Version >= 5 {
		textStart++
		n := z.Core.MustReadByte(textBufferAddr + 1)
		text = string(z.Core.Slice(textStart, textStart+uint32(n)))
	} else {
		ptr := textStart
		var b []byte
		for {
			c := z.Core.MustReadByte(ptr)
			if c == 0 {
				break
			}
			b = append(b, c)
			ptr++
		}
		text = string(b)
	}

	tokens := dict.Tokenize(text)

	maxTokens := int(z.Core.MustReadByte(parseBufferAddr))
	if len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
	}

	ptr := parseBufferAddr + 1
	z.Core.MustWriteByte(ptr, uint8(len(tokens)))
	ptr++

	for _, tok := range tokens {
		var addr uint32
		if !leaveUnrecognizedBlank {
			addr = dict.Lookup(tok.Text, z.Alphabets)
		}
		z.Core.MustWriteWord(ptr, uint16(addr))
		z.Core.MustWriteByte(ptr+2, uint8(tok.Length))
		z.Core.MustWriteByte(ptr+3, uint8((textStart-textBufferAddr)+uint32(tok.Start)))
		ptr += 4
	}
}

func (z *ZMachine) readCharInput() uint8 {
	resp := z.provider.ReadChar()
	if resp.Text != "" {
		return resp.Text[0]
	}
	return resp.TerminatingKey
}

func (z *ZMachine) read(opcode *Opcode, frame *CallStackFrame) {
	if z.Core.VersionProfile.Version <= 3 {
		z.sendStatusBar()
	}

	// V5+ can declare a custom set of terminating characters in memory.
	validTerminators := []uint8{13}
	if z.Core.VersionProfile.Version >= 5 && z.Core.TerminatingCharTableBase != 0 {
		terminatingChrPtr := uint32(z.Core.TerminatingCharTableBase)
		for {
			b := z.Core.MustReadByte(terminatingChrPtr)
			if b == 0 {
				break
			} else if (b >= 129 && b <= 154) || (b >= 252 && b <= 254) {
				validTerminators = append(validTerminators, b)
			} else if b == 255 {
				validTerminators = []uint8{13, 129, 130, 131, 132, 133, 134, 135, 136, 137, 138, 139, 140, 141, 142, 143, 144, 145, 146, 147, 148, 149, 150, 151, 152, 153, 154, 252, 253, 254}
				break
			}
			terminatingChrPtr++
		}
	}

	resp := z.provider.ReadLine(InputRequest{ValidTerminators: validTerminators})
	rawText := resp.Text
	terminator := resp.TerminatingKey
	if terminator == 0 {
		terminator = 13
	}

	textBufferPtr := opcode.operands[0].Value(z)
	var parseBufferPtr uint16
	if len(opcode.operands) > 1 {
		parseBufferPtr = opcode.operands[1].Value(z)
	}

	rawTextBytes := []byte(strings.ToLower(rawText))

	bufferSize := z.Core.MustReadByte(uint32(textBufferPtr))
	writePtr := textBufferPtr + 1
	if z.Core.VersionProfile.Version >= 5 {
		writePtr++ // byte 1 holds the count, written below
	}

	ix := 0
	for {
		if ix >= int(bufferSize) || ix >= len(rawTextBytes) {
			break
		}

		chr := rawTextBytes[ix]
		if (chr >= 32 && chr <= 126) || (chr >= 155 && chr <= 251) {
			z.Core.MustWriteByte(uint32(writePtr+uint16(ix)), chr)
		} else {
			z.Core.MustWriteByte(uint32(writePtr+uint16(ix)), 32)
		}
		ix++
	}

	if z.Core.VersionProfile.Version >= 5 {
		z.Core.MustWriteByte(uint32(textBufferPtr+1), uint8(ix))
	} else {
		z.Core.MustWriteByte(uint32(writePtr+uint16(ix)), 0)
	}

	if parseBufferPtr != 0 {
		z.tokenise(uint32(textBufferPtr), uint32(parseBufferPtr), z.dictionary, false)
	}

	if z.Core.VersionProfile.Version >= 5 {
		z.writeVariable(z.readIncPC(frame), uint16(terminator), false)
	}
}

func (z *ZMachine) verify() bool {
	fileLength := z.Core.FileLength()
	if fileLength == 0 {
		return true
	}
	data := z.Core.Pristine(fileLength)
	if uint32(len(data)) < fileLength {
		return false
	}

	var sum uint16
	for i := uint32(0x40); i < fileLength; i++ {
		sum += uint16(data[i])
	}
	return sum == z.Core.FileChecksum
}

// trueColour resolves a set_true_colour word operand (a packed 15-bit
// RGB value, or -1/-2 for "current"/"default") to a concrete Color.
func trueColour(word uint16, sm *ScreenModel, isForeground bool) Color {
	switch int16(word) {
	case -1:
		if isForeground {
			if sm.LowerWindowActive {
				return sm.LowerWindowForeground
			}
			return sm.UpperWindowForeground
		}
		if sm.LowerWindowActive {
			return sm.LowerWindowBackground
		}
		return sm.UpperWindowBackground
	case -2:
		return sm.NewZMachineColor(1, isForeground)
	default:
		r := int(word&0x1f) * 255 / 31
		g := int((word>>5)&0x1f) * 255 / 31
		b := int((word>>10)&0x1f) * 255 / 31
		return Color{r, g, b}
	}
}

// Run drives the machine to completion (quit, restart or an unrecovered
// Fault), pumping every instruction through StepMachine.
func (z *ZMachine) Run() {
	z.provider.UpdateScreen(z.screenModel)
	for z.safeStep() {
	}
}

// safeStep recovers a *Fault raised by StepMachine and reports it as a
// RuntimeError instead of crashing the host process. Any other panic -
// an interpreter bug, not a story-triggerable condition - propagates.
func (z *ZMachine) safeStep() (cont bool) {
	var pc uint32
	if z.callStack.depth() > 0 {
		pc = z.callStack.peek().pc
	}
	defer func() {
		if r := recover(); r != nil {
			var fault *Fault
			switch e := r.(type) {
			case *Fault:
				fault = e
			case *zcore.MemoryFault:
				fault = &Fault{Kind: FaultBadMemoryAccess, Message: e.Error()}
			case *zobject.PropertyError:
				fault = &Fault{Kind: FaultBadProperty, Message: e.Error()}
			case *zobject.ObjectError:
				fault = &Fault{Kind: FaultBadMemoryAccess, Message: e.Error()}
			default:
				panic(r)
			}
			if fault.PC == 0 {
				fault.PC = pc
			}
			z.provider.ReportError(RuntimeError(fault.Error()))
			cont = false
		}
	}()
	return z.StepMachine()
}

// StepMachine decodes and executes exactly one instruction, returning
// false when the machine should stop (quit or restart).
func (z *ZMachine) StepMachine() bool {
	opcode := ParseOpcode(z)
	frame := z.callStack.peek()

	switch opcode.operandCount {
	case OP0:
		switch opcode.opcodeNumber {
		case 0: // RTRUE
			z.retValue(1)
		case 1: // RFALSE
			z.retValue(0)
		case 2: // PRINT
			text, bytesRead := zstring.Decode(&z.Core, z.Alphabets, frame.pc)
			frame.pc += bytesRead
			z.appendText(text)
		case 3: // PRINT_RET
			text, bytesRead := zstring.Decode(&z.Core, z.Alphabets, frame.pc)
			frame.pc += bytesRead
			z.appendText(text)
			z.appendText("\n")
			z.retValue(1)
		case 4: // NOP
		case 5: // SAVE (v1-4)
			success := z.handleSave(0)
			if z.Core.VersionProfile.Version <= 3 {
				z.handleBranch(frame, success)
			} else {
				result := uint16(0)
				if success {
					result = 1
				}
				z.writeVariable(z.readIncPC(frame), result, false)
			}
		case 6: // RESTORE (v1-4)
			if z.handleRestore(0) {
				// The restored PC points back at the original save
				// instruction's branch byte (v3) or store byte (v4), so
				// the game observes save "returning" a second time with
				// the success value 2.
				frame = z.callStack.peek()
				if z.Core.VersionProfile.Version <= 3 {
					z.handleBranch(frame, true)
				} else {
					z.writeVariable(z.readIncPC(frame), 2, false)
				}
				return true
			}
			if z.Core.VersionProfile.Version <= 3 {
				z.handleBranch(frame, false)
			} else {
				z.writeVariable(z.readIncPC(frame), 0, false)
			}
		case 7: // RESTART
			z.provider.Restart()
			return false
		case 8: // RET_POPPED
			z.retValue(frame.pop())
		case 9: // POP (v1-4) / CATCH (v5+)
			if z.Core.VersionProfile.Version < 5 {
				frame.pop()
			} else {
				z.writeVariable(z.readIncPC(frame), uint16(z.callStack.depth()), false)
			}
		case 10: // QUIT
			z.provider.Quit()
			return false
		case 11: // NEWLINE
			z.appendText("\n")
		case 12: // SHOW_STATUS
			if z.Core.VersionProfile.Version == 3 {
				z.sendStatusBar()
			}
		case 13: // VERIFY
			z.handleBranch(frame, z.verify())
		case 15: // PIRACY
			z.handleBranch(frame, true) // interpreters are asked to be gullible
		default:
			panic(newFault(FaultUnsupportedOpcode, "0OP opcode 0x%x", opcode.opcodeByte))
		}

	case OP1:
		switch opcode.opcodeNumber {
		case 0: // JZ
			z.handleBranch(frame, opcode.operands[0].Value(z) == 0)
		case 1: // GET_SIBLING
			_, sibling, _ := z.objectLinks(opcode.operands[0].Value(z))
			z.writeVariable(z.readIncPC(frame), sibling, false)
			z.handleBranch(frame, sibling != 0)
		case 2: // GET_CHILD
			_, _, child := z.objectLinks(opcode.operands[0].Value(z))
			z.writeVariable(z.readIncPC(frame), child, false)
			z.handleBranch(frame, child != 0)
		case 3: // GET_PARENT
			parent, _, _ := z.objectLinks(opcode.operands[0].Value(z))
			z.writeVariable(z.readIncPC(frame), parent, false)
		case 4: // GET_PROP_LEN
			addr := opcode.operands[0].Value(z)
			z.writeVariable(z.readIncPC(frame), zobject.GetPropertyLength(&z.Core, uint32(addr)), false)
		case 5: // INC
			variable := uint8(opcode.operands[0].Value(z))
			z.writeVariable(variable, z.readVariable(variable, true)+1, true)
		case 6: // DEC
			variable := uint8(opcode.operands[0].Value(z))
			z.writeVariable(variable, z.readVariable(variable, true)-1, true)
		case 7: // PRINT_ADDR
			str, _ := zstring.Decode(&z.Core, z.Alphabets, uint32(opcode.operands[0].Value(z)))
			z.appendText(str)
		case 8: // CALL_1S
			z.call(&opcode, function)
		case 9: // REMOVE_OBJ
			z.RemoveObject(opcode.operands[0].Value(z))
		case 10: // PRINT_OBJ
			if objId := opcode.operands[0].Value(z); objId != 0 {
				obj := zobject.Get(&z.Core, z.Alphabets, objId)
				z.appendText(obj.Name)
			}
		case 11: // RET
			z.retValue(opcode.operands[0].Value(z))
		case 12: // JUMP
			offset := int16(opcode.operands[0].Value(z))
			frame.pc = uint32(int32(frame.pc) + int32(offset) - 2)
		case 13: // PRINT_PADDR
			addr := z.Core.PackedAddress(opcode.operands[0].Value(z), true)
			text, _ := zstring.Decode(&z.Core, z.Alphabets, addr)
			z.appendText(text)
		case 14: // LOAD
			z.writeVariable(z.readIncPC(frame), z.readVariable(uint8(opcode.operands[0].Value(z)), true), false)
		case 15: // NOT (v1-4) / CALL_1N (v5+)
			if z.Core.VersionProfile.Version < 5 {
				val := opcode.operands[0].Value(z)
				z.writeVariable(z.readIncPC(frame), ^val, false)
			} else {
				z.call(&opcode, procedure)
			}
		default:
			panic(newFault(FaultUnsupportedOpcode, "1OP opcode 0x%x", opcode.opcodeByte))
		}

	case OP2:
		switch opcode.opcodeNumber {
		case 1: // JE
			a := opcode.operands[0].Value(z)
			branch := false
			for _, b := range opcode.operands[1:] {
				if a == b.Value(z) {
					branch = true
				}
			}
			z.handleBranch(frame, branch)
		case 2: // JL
			z.handleBranch(frame, int16(opcode.operands[0].Value(z)) < int16(opcode.operands[1].Value(z)))
		case 3: // JG
			z.handleBranch(frame, int16(opcode.operands[0].Value(z)) > int16(opcode.operands[1].Value(z)))
		case 4: // DEC_CHK
			variable := uint8(opcode.operands[0].Value(z))
			newValue := int16(z.readVariable(variable, true)) - 1
			z.writeVariable(variable, uint16(newValue), true)
			z.handleBranch(frame, newValue < int16(opcode.operands[1].Value(z)))
		case 5: // INC_CHK
			variable := uint8(opcode.operands[0].Value(z))
			newValue := z.readVariable(variable, true) + 1
			z.writeVariable(variable, newValue, true)
			z.handleBranch(frame, int16(newValue) > int16(opcode.operands[1].Value(z)))
		case 6: // JIN
			parent, _, _ := z.objectLinks(opcode.operands[0].Value(z))
			z.handleBranch(frame, parent == opcode.operands[1].Value(z))
		case 7: // TEST
			bitmap := opcode.operands[0].Value(z)
			flags := opcode.operands[1].Value(z)
			z.handleBranch(frame, bitmap&flags == flags)
		case 8: // OR
			z.writeVariable(z.readIncPC(frame), opcode.operands[0].Value(z)|opcode.operands[1].Value(z), false)
		case 9: // AND
			z.writeVariable(z.readIncPC(frame), opcode.operands[0].Value(z)&opcode.operands[1].Value(z), false)
		case 10: // TEST_ATTR
			objId := opcode.operands[0].Value(z)
			result := false
			if objId != 0 {
				obj := zobject.Get(&z.Core, z.Alphabets, objId)
				result = obj.TestAttribute(opcode.operands[1].Value(z))
			}
			z.handleBranch(frame, result)
		case 11: // SET_ATTR
			obj := zobject.Get(&z.Core, z.Alphabets, opcode.operands[0].Value(z))
			obj.SetAttribute(&z.Core, opcode.operands[1].Value(z))
		case 12: // CLEAR_ATTR
			obj := zobject.Get(&z.Core, z.Alphabets, opcode.operands[0].Value(z))
			obj.ClearAttribute(&z.Core, opcode.operands[1].Value(z))
		case 13: // STORE
			z.writeVariable(uint8(opcode.operands[0].Value(z)), opcode.operands[1].Value(z), true)
		case 14: // INSERT_OBJ
			z.MoveObject(opcode.operands[0].Value(z), opcode.operands[1].Value(z))
		case 15: // LOADW
			z.writeVariable(z.readIncPC(frame), z.Core.MustReadDataWord(uint32(opcode.operands[0].Value(z)+2*opcode.operands[1].Value(z))), false)
		case 16: // LOADB
			z.writeVariable(z.readIncPC(frame), uint16(z.Core.MustReadDataByte(uint32(opcode.operands[0].Value(z)+opcode.operands[1].Value(z)))), false)
		case 17: // GET_PROP
			obj := zobject.Get(&z.Core, z.Alphabets, opcode.operands[0].Value(z))
			prop := obj.GetProperty(&z.Core, uint8(opcode.operands[1].Value(z)))
			data := prop.Data(&z.Core)

			var value uint16
			switch len(data) {
			case 1:
				value = uint16(data[0])
			case 2:
				value = binary.BigEndian.Uint16(data)
			default:
				panic(newFault(FaultBadProperty, "get_prop on object %d property %d has length %d", obj.Id, prop.Id, len(data)))
			}
			z.writeVariable(z.readIncPC(frame), value, false)
		case 18: // GET_PROP_ADDR
			obj := zobject.Get(&z.Core, z.Alphabets, opcode.operands[0].Value(z))
			z.writeVariable(z.readIncPC(frame), uint16(obj.GetPropertyAddress(&z.Core, uint8(opcode.operands[1].Value(z)))), false)
		case 19: // GET_NEXT_PROP
			obj := zobject.Get(&z.Core, z.Alphabets, opcode.operands[0].Value(z))
			z.writeVariable(z.readIncPC(frame), uint16(obj.GetNextProperty(&z.Core, uint8(opcode.operands[1].Value(z)))), false)
		case 20: // ADD
			z.writeVariable(z.readIncPC(frame), opcode.operands[0].Value(z)+opcode.operands[1].Value(z), false)
		case 21: // SUB
			z.writeVariable(z.readIncPC(frame), opcode.operands[0].Value(z)-opcode.operands[1].Value(z), false)
		case 22: // MUL
			z.writeVariable(z.readIncPC(frame), opcode.operands[0].Value(z)*opcode.operands[1].Value(z), false)
		case 23: // DIV
			denominator := int16(opcode.operands[1].Value(z))
			if denominator == 0 {
				panic(newFault(FaultBadMemoryAccess, "div by zero"))
			}
			z.writeVariable(z.readIncPC(frame), uint16(int16(opcode.operands[0].Value(z))/denominator), false)
		case 24: // MOD
			denominator := int16(opcode.operands[1].Value(z))
			if denominator == 0 {
				panic(newFault(FaultBadMemoryAccess, "mod by zero"))
			}
			z.writeVariable(z.readIncPC(frame), uint16(int16(opcode.operands[0].Value(z))%denominator), false)
		case 25: // CALL_2S
			if z.Core.VersionProfile.Version < 4 {
				panic(newFault(FaultUnsupportedOpcode, "call_2s on v1-3"))
			}
			z.call(&opcode, function)
		case 26: // CALL_2N
			if z.Core.VersionProfile.Version < 5 {
				panic(newFault(FaultUnsupportedOpcode, "call_2n on v1-4"))
			}
			z.call(&opcode, procedure)
		case 27: // SET_COLOUR
			if z.Core.VersionProfile.Version < 5 {
				panic(newFault(FaultUnsupportedOpcode, "set_colour on v1-4"))
			}
			fg := z.screenModel.NewZMachineColor(opcode.operands[0].Value(z), true)
			bg := z.screenModel.NewZMachineColor(opcode.operands[1].Value(z), false)
			if z.screenModel.LowerWindowActive {
				z.screenModel.LowerWindowForeground = fg
				z.screenModel.LowerWindowBackground = bg
			} else {
				z.screenModel.UpperWindowForeground = fg
				z.screenModel.UpperWindowBackground = bg
			}
			z.provider.UpdateScreen(z.screenModel)
		case 28: // THROW
			if z.Core.VersionProfile.Version < 5 {
				panic(newFault(FaultUnsupportedOpcode, "throw on v1-4"))
			}
			z.throwTo(opcode.operands[1].Value(z), opcode.operands[0].Value(z))
		default:
			panic(newFault(FaultUnsupportedOpcode, "2OP opcode 0x%x", opcode.opcodeNumber))
		}

	case VAR:
		if opcode.opcodeForm == extForm {
			switch opcode.opcodeByte {
			case 0x00: // SAVE (v5+)
				// Operands select an auxiliary partial-memory save, which
				// this interpreter does not support; that is reported as a
				// warning rather than silently claimed as a failed save.
				if len(opcode.operands) > 0 {
					z.provider.Warn("partial-memory save is not supported")
					z.writeVariable(z.readIncPC(frame), 0, false)
					break
				}
				success := z.handleSave(0)
				result := uint16(0)
				if success {
					result = 1
				}
				z.writeVariable(z.readIncPC(frame), result, false)
			case 0x01: // RESTORE (v5+)
				if len(opcode.operands) > 0 {
					z.provider.Warn("partial-memory restore is not supported")
					z.writeVariable(z.readIncPC(frame), 0, false)
					break
				}
				if z.handleRestore(0) {
					// Restored PC is seated on the save instruction's store
					// byte; write 2 there so the game sees "just restored".
					frame = z.callStack.peek()
					z.writeVariable(z.readIncPC(frame), 2, false)
					return true
				}
				z.writeVariable(z.readIncPC(frame), 0, false)
			case 0x02: // LOG_SHIFT
				num := opcode.operands[0].Value(z)
				places := int16(opcode.operands[1].Value(z))
				var result uint16
				if places >= 0 {
					result = num << uint16(places)
				} else {
					result = num >> uint16(-places)
				}
				z.writeVariable(z.readIncPC(frame), result, false)
			case 0x03: // ART_SHIFT
				num := int16(opcode.operands[0].Value(z))
				places := int16(opcode.operands[1].Value(z))
				var result uint16
				if places >= 0 {
					result = uint16(num << uint16(places))
				} else {
					result = uint16(num >> uint16(-places))
				}
				z.writeVariable(z.readIncPC(frame), result, false)
			case 0x04: // SET_FONT
				requested := Font(opcode.operands[0].Value(z))
				previous := uint16(z.screenModel.CurrentFont)
				switch requested {
				case 0: // query only
				case FontNormal, FontFixedPitch:
					z.screenModel.CurrentFont = requested
				default:
					previous = 0 // font unavailable, no change made
				}
				z.writeVariable(z.readIncPC(frame), previous, false)
			case 0x09: // SAVE_UNDO
				z.saveUndo()
				z.writeVariable(z.readIncPC(frame), 1, false)
			case 0x0a: // RESTORE_UNDO
				response := z.restoreUndo()
				frame = z.callStack.peek()
				z.writeVariable(z.readIncPC(frame), response, false)
			case 0x0b: // PRINT_UNICODE
				z.appendText(string(rune(opcode.operands[0].Value(z))))
			case 0x0c: // CHECK_UNICODE
				chr := opcode.operands[0].Value(z)
				result := uint16(0)
				if chr != 0 {
					result = 0b11
				}
				z.writeVariable(z.readIncPC(frame), result, false)
			case 0x0d: // SET_TRUE_COLOUR
				fg := trueColour(opcode.operands[0].Value(z), &z.screenModel, true)
				bg := trueColour(opcode.operands[1].Value(z), &z.screenModel, false)
				if z.screenModel.LowerWindowActive {
					z.screenModel.LowerWindowForeground = fg
					z.screenModel.LowerWindowBackground = bg
				} else {
					z.screenModel.UpperWindowForeground = fg
					z.screenModel.UpperWindowBackground = bg
				}
				z.provider.UpdateScreen(z.screenModel)
			default:
				panic(newFault(FaultUnsupportedOpcode, "EXT opcode 0x%x", opcode.opcodeByte))
			}
		} else {
			switch opcode.opcodeNumber {
			case 0: // CALL / CALL_VS
				z.call(&opcode, function)
			case 1: // STOREW
				z.Core.MustWriteWord(uint32(opcode.operands[0].Value(z)+2*opcode.operands[1].Value(z)), opcode.operands[2].Value(z))
			case 2: // STOREB
				z.Core.MustWriteByte(uint32(opcode.operands[0].Value(z)+opcode.operands[1].Value(z)), uint8(opcode.operands[2].Value(z)))
			case 3: // PUT_PROP
				obj := zobject.Get(&z.Core, z.Alphabets, opcode.operands[0].Value(z))
				obj.SetProperty(&z.Core, uint8(opcode.operands[1].Value(z)), opcode.operands[2].Value(z))
			case 4: // SREAD / AREAD
				z.read(&opcode, frame)
			case 5: // PRINT_CHAR
				chr := uint8(opcode.operands[0].Value(z))
				if chr != 0 {
					z.appendText(string(chr))
				}
			case 6: // PRINT_NUM
				z.appendText(strconv.Itoa(int(int16(opcode.operands[0].Value(z)))))
			case 7: // RANDOM
				n := int16(opcode.operands[0].Value(z))
				result := uint16(0)
				if n < 0 {
					z.rng.Seed(int64(n))
				} else if n == 0 {
					z.rng.Seed(time.Now().UnixNano())
				} else {
					result = uint16(z.rng.Int31n(int32(n))) + 1
				}
				z.writeVariable(z.readIncPC(frame), result, false)
			case 8: // PUSH
				frame.push(opcode.operands[0].Value(z))
			case 9: // PULL
				z.writeVariable(uint8(opcode.operands[0].Value(z)), frame.pop(), true)
			case 10: // SPLIT_WINDOW
				z.screenModel.UpperWindowHeight = int(opcode.operands[0].Value(z))
				z.provider.UpdateScreen(z.screenModel)
			case 11: // SET_WINDOW
				z.screenModel.LowerWindowActive = opcode.operands[0].Value(z) == 0
				z.provider.UpdateScreen(z.screenModel)
			case 12: // CALL_VS2
				z.call(&opcode, function)
			case 13: // ERASE_WINDOW
				// -1 unsplits the screen as well as clearing it.
				window := int16(opcode.operands[0].Value(z))
				if window == -1 {
					z.screenModel.LowerWindowActive = true
					z.screenModel.UpperWindowHeight = 0
					z.provider.UpdateScreen(z.screenModel)
				}
				z.provider.EraseWindow(EraseWindowRequest(window))
			case 14: // ERASE_LINE
				if int16(opcode.operands[0].Value(z)) == 1 {
					z.provider.EraseLine(EraseLineRequest(1))
				}
			case 15: // SET_CURSOR
				line := opcode.operands[0].Value(z)
				col := opcode.operands[1].Value(z)
				if !z.screenModel.LowerWindowActive {
					z.screenModel.UpperWindowCursorX = int(col)
					z.screenModel.UpperWindowCursorY = int(line)
					z.provider.UpdateScreen(z.screenModel)
				}
			case 16: // GET_CURSOR
				addr := uint32(opcode.operands[0].Value(z))
				z.Core.MustWriteWord(addr, uint16(z.screenModel.UpperWindowCursorY))
				z.Core.MustWriteWord(addr+2, uint16(z.screenModel.UpperWindowCursorX))
			case 17: // SET_TEXT_STYLE
				mask := uint8(opcode.operands[0].Value(z))
				if z.screenModel.LowerWindowActive {
					z.screenModel.LowerWindowTextStyle = TextStyle(mask)
				} else {
					z.screenModel.UpperWindowTextStyle = TextStyle(mask)
				}
				z.provider.UpdateScreen(z.screenModel)
			case 18: // BUFFER_MODE
				// Output buffering/wrapping is the host UI's concern; the
				// engine never needs to split text itself.
			case 19: // OUTPUT_STREAM
				stream := int16(opcode.operands[0].Value(z))
				switch stream {
				case 1, -1:
					z.streams.Screen = stream > 0
				case 2, -2:
					z.streams.Transcript = stream > 0
				case 3:
					z.streams.Memory = true
					z.streams.MemoryStreamData = append(z.streams.MemoryStreamData, MemoryStreamData{
						baseAddress: uint32(opcode.operands[1].Value(z)),
						ptr:         uint32(opcode.operands[1].Value(z)) + 2,
					})
				case -3:
					if z.streams.Memory {
						current := z.streams.MemoryStreamData[len(z.streams.MemoryStreamData)-1]
						z.Core.MustWriteWord(current.baseAddress, uint16(current.ptr-current.baseAddress-2))
						z.streams.MemoryStreamData = z.streams.MemoryStreamData[:len(z.streams.MemoryStreamData)-1]
						if len(z.streams.MemoryStreamData) == 0 {
							z.streams.Memory = false
						}
					}
				case 4, -4:
					z.streams.CommandScript = stream > 0
				}
			case 20: // INPUT_STREAM
				// Command-script replay (reading input from a file) is
				// not supported by this host model; accept and ignore.
			case 21: // SOUND_EFFECT
				effect := uint16(2)
				var routine uint16
				if len(opcode.operands) > 1 {
					effect = opcode.operands[1].Value(z)
				}
				if len(opcode.operands) > 3 {
					routine = opcode.operands[3].Value(z)
				}
				z.provider.SoundEffect(SoundEffectRequest{SoundNumber: int(opcode.operands[0].Value(z)), Effect: int(effect), Routine: routine})
			case 22: // READ_CHAR
				z.writeVariable(z.readIncPC(frame), uint16(z.readCharInput()), false)
			case 23: // SCAN_TABLE
				form := uint16(0x82)
				if len(opcode.operands) == 4 {
					form = opcode.operands[3].Value(z)
				}
				result := ztable.ScanTable(&z.Core, opcode.operands[0].Value(z), uint32(opcode.operands[1].Value(z)), opcode.operands[2].Value(z), form)
				z.writeVariable(z.readIncPC(frame), uint16(result), false)
				z.handleBranch(frame, result != 0)
			case 24: // NOT
				z.writeVariable(z.readIncPC(frame), ^opcode.operands[0].Value(z), false)
			case 25: // CALL_VN
				z.call(&opcode, procedure)
			case 26: // CALL_VN2
				z.call(&opcode, procedure)
			case 27: // TOKENISE
				dictionaryToUse := z.dictionary
				flag := false
				if len(opcode.operands) > 2 {
					if userDict := opcode.operands[2].Value(z); userDict != 0 {
						dictionaryToUse = z.parseDictionary(uint32(userDict))
					}
				}
				if len(opcode.operands) > 3 {
					flag = opcode.operands[3].Value(z) != 0
				}
				z.tokenise(uint32(opcode.operands[0].Value(z)), uint32(opcode.operands[1].Value(z)), dictionaryToUse, flag)
			case 28: // ENCODE_TEXT
				textBuf := uint32(opcode.operands[0].Value(z))
				length := uint32(opcode.operands[1].Value(z))
				from := uint32(opcode.operands[2].Value(z))
				codedBuf := uint32(opcode.operands[3].Value(z))
				raw := string(z.Core.Slice(textBuf+from, textBuf+from+length))
				encoded := zstring.EncodeDictionaryWord(raw, z.Alphabets, z.Core.VersionProfile.Version, &z.Core)
				for i, w := range encoded {
					z.Core.MustWriteWord(codedBuf+uint32(i)*2, w)
				}
			case 29: // COPY_TABLE
				ztable.CopyTable(&z.Core, uint32(opcode.operands[0].Value(z)), uint32(opcode.operands[1].Value(z)), int16(opcode.operands[2].Value(z)))
			case 30: // PRINT_TABLE
				width := opcode.operands[1].Value(z)
				height := uint16(1)
				skip := uint16(0)
				if len(opcode.operands) > 2 {
					height = opcode.operands[2].Value(z)
				}
				if len(opcode.operands) > 3 {
					skip = opcode.operands[3].Value(z)
				}
				z.appendText(ztable.PrintTable(&z.Core, uint32(opcode.operands[0].Value(z)), width, height, skip))
			case 31: // CHECK_ARG_COUNT
				z.handleBranch(frame, opcode.operands[0].Value(z) <= uint16(frame.numValuesPassed))
			default:
				panic(newFault(FaultUnsupportedOpcode, "VAR opcode 0x%x", opcode.opcodeNumber))
			}
		}
	}

	return true
}
