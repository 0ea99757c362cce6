package zmachine

import (
	"bytes"
	"testing"

	"github.com/zmachine-go/zvm/zcore"
	"github.com/zmachine-go/zvm/zstring"
)

const (
	testGlobalsBase = 0x0100
	testDictBase    = 0x0300
	testTextBuffer  = 0x0400
	testParseBuffer = 0x0440
	testStaticBase  = 0x0800
	testCodeBase    = 0x1000
	testRoutineBase = 0x8000
)

// buildStory lays out a minimal but well-formed story image: globals at
// 0x0100, an empty dictionary at 0x0300, dynamic memory up to 0x0800 and
// the initial PC at 0x1000. Code bytes are copied to the initial PC.
func buildStory(version uint8, code []byte) []byte {
	img := make([]byte, 0x10000)
	img[0x00] = version
	putWord := func(addr int, v uint16) {
		img[addr] = byte(v >> 8)
		img[addr+1] = byte(v)
	}
	putWord(0x02, 1)
	putWord(0x04, testStaticBase)
	putWord(0x06, testCodeBase)
	putWord(0x08, testDictBase)
	putWord(0x0a, 0x0200)
	putWord(0x0c, testGlobalsBase)
	putWord(0x0e, testStaticBase)
	copy(img[0x12:], "250802")

	// Empty dictionary: no separators, minimum-plus entry length.
	img[testDictBase] = 0
	if version >= 4 {
		img[testDictBase+1] = 9
	} else {
		img[testDictBase+1] = 7
	}
	putWord(testDictBase+2, 0)

	copy(img[testCodeBase:], code)
	return img
}

func loadTestMachine(t *testing.T, img []byte) (*ZMachine, chan any) {
	t.Helper()
	output := make(chan any, 32)
	input := make(chan InputResponse, 1)
	saveRestore := make(chan SaveRestoreResponse, 1)
	return LoadRom(img, input, saveRestore, output), output
}

func TestLoadRomSeatsInitialState(t *testing.T) {
	z, _ := loadTestMachine(t, buildStory(3, nil))

	if z.Core.VersionProfile.Version != 3 {
		t.Errorf("version = %d, want 3", z.Core.VersionProfile.Version)
	}
	if z.callStack.depth() != 1 {
		t.Fatalf("call stack depth = %d, want 1", z.callStack.depth())
	}
	if pc := z.callStack.peek().pc; pc != testCodeBase {
		t.Errorf("initial pc = 0x%04x, want 0x%04x", pc, testCodeBase)
	}
	if z.dictionary == nil || z.dictionary.EntryLen != 7 {
		t.Errorf("dictionary not parsed from header address")
	}
}

func TestLoadRomRejectsUnsupportedVersions(t *testing.T) {
	for _, version := range []uint8{0, 6, 9} {
		func() {
			defer func() {
				r := recover()
				fault, ok := r.(*Fault)
				if !ok || fault.Kind != FaultUnsupportedVersion {
					t.Errorf("version %d: recovered %v, want unsupported_version fault", version, r)
				}
			}()
			img := buildStory(5, nil)
			img[0] = version
			loadTestMachine(t, img)
		}()
	}
}

func TestAddStoresToStack(t *testing.T) {
	// 2OP:20 add, both small constants, result pushed to the stack.
	z, _ := loadTestMachine(t, buildStory(3, []byte{0x14, 0x05, 0x03, 0x00}))

	z.StepMachine()

	frame := z.callStack.peek()
	if len(frame.routineStack) != 1 || frame.routineStack[0] != 8 {
		t.Errorf("eval stack = %v, want [8]", frame.routineStack)
	}
	if frame.pc != testCodeBase+4 {
		t.Errorf("pc = 0x%04x, want 0x%04x", frame.pc, testCodeBase+4)
	}
}

func TestArithmeticIsSigned(t *testing.T) {
	// div -7 / 2 -> -3 (truncated toward zero); operands as large constants.
	z, _ := loadTestMachine(t, buildStory(3, []byte{
		0xd7, 0x0f, 0xff, 0xf9, 0x00, 0x02, 0x00, // VAR-form 2OP:23 div
	}))

	z.StepMachine()

	frame := z.callStack.peek()
	if len(frame.routineStack) != 1 || int16(frame.routineStack[0]) != -3 {
		t.Errorf("div result = %v, want [-3]", frame.routineStack)
	}
}

func TestDivisionByZeroFaults(t *testing.T) {
	z, output := loadTestMachine(t, buildStory(3, []byte{
		0xd7, 0x0f, 0x00, 0x08, 0x00, 0x00, 0x00,
	}))

	if z.safeStep() {
		t.Fatal("safeStep should stop on a division fault")
	}
	if _, ok := (<-output).(RuntimeError); !ok {
		t.Error("expected a RuntimeError on the output channel")
	}
}

func TestBranchShortForm(t *testing.T) {
	// jz 0 with branch byte 0xC5: branch-on-true, 6-bit offset 5.
	z, _ := loadTestMachine(t, buildStory(3, []byte{0x90, 0x00, 0xc5}))
	z.StepMachine()
	if pc := z.callStack.peek().pc; pc != testCodeBase+3+5-2 {
		t.Errorf("taken branch pc = 0x%04x, want 0x%04x", pc, testCodeBase+3+5-2)
	}

	// jz 1: condition false, fall through to the next instruction.
	z, _ = loadTestMachine(t, buildStory(3, []byte{0x90, 0x01, 0xc5}))
	z.StepMachine()
	if pc := z.callStack.peek().pc; pc != testCodeBase+3 {
		t.Errorf("untaken branch pc = 0x%04x, want 0x%04x", pc, testCodeBase+3)
	}
}

func TestBranchOffsetsZeroAndOneReturn(t *testing.T) {
	// Routine body: jz 0 with branch byte 0xC1 - offset 1 means "return
	// true from the current routine", not a jump.
	img := buildStory(5, []byte{0x8f, 0x20, 0x00}) // call_1n 0x8000
	img[testRoutineBase] = 0                       // no locals
	copy(img[testRoutineBase+1:], []byte{0x90, 0x00, 0xc1})
	z, _ := loadTestMachine(t, img)

	z.StepMachine() // call
	if z.callStack.depth() != 2 {
		t.Fatalf("depth after call = %d, want 2", z.callStack.depth())
	}
	z.StepMachine() // jz -> return true
	if z.callStack.depth() != 1 {
		t.Fatalf("depth after branch-return = %d, want 1", z.callStack.depth())
	}
	if pc := z.callStack.peek().pc; pc != testCodeBase+3 {
		t.Errorf("pc after return = 0x%04x, want 0x%04x", pc, testCodeBase+3)
	}
}

func TestCallRoutineV5(t *testing.T) {
	// call_1n with packed operand 0x2000: v5 unpacks to 0x8000.
	img := buildStory(5, []byte{0x8f, 0x20, 0x00})
	img[testRoutineBase] = 2 // two locals, zero-initialized in v5
	z, _ := loadTestMachine(t, img)

	z.StepMachine()

	if z.callStack.depth() != 2 {
		t.Fatalf("call stack depth = %d, want 2", z.callStack.depth())
	}
	frame := z.callStack.peek()
	if frame.pc != testRoutineBase+1 {
		t.Errorf("routine pc = 0x%05x, want 0x%05x", frame.pc, testRoutineBase+1)
	}
	if len(frame.locals) != 2 || frame.locals[0] != 0 || frame.locals[1] != 0 {
		t.Errorf("locals = %v, want [0 0]", frame.locals)
	}
	if frame.numValuesPassed != 0 {
		t.Errorf("argument count = %d, want 0", frame.numValuesPassed)
	}
	if frame.routineType != procedure {
		t.Error("call_1n should discard its result")
	}
}

func TestCallReturnRoundTrip(t *testing.T) {
	// call_vs 0x8000 with one argument (7), result to the stack. The
	// routine has one local and returns it.
	img := buildStory(5, []byte{0xe0, 0x1f, 0x20, 0x00, 0x07, 0x00})
	img[testRoutineBase] = 1
	copy(img[testRoutineBase+1:], []byte{0xab, 0x01}) // ret local1
	z, _ := loadTestMachine(t, img)

	z.StepMachine()
	frame := z.callStack.peek()
	if frame.numValuesPassed != 1 || frame.locals[0] != 7 {
		t.Fatalf("callee frame: args=%d locals=%v, want 1/[7]", frame.numValuesPassed, frame.locals)
	}

	z.StepMachine()
	frame = z.callStack.peek()
	if z.callStack.depth() != 1 {
		t.Fatalf("depth after return = %d, want 1", z.callStack.depth())
	}
	if len(frame.routineStack) != 1 || frame.routineStack[0] != 7 {
		t.Errorf("eval stack after return = %v, want [7]", frame.routineStack)
	}
	if frame.pc != testCodeBase+6 {
		t.Errorf("pc after return = 0x%04x, want 0x%04x", frame.pc, testCodeBase+6)
	}
}

func TestCallAddressZeroStoresFalse(t *testing.T) {
	// call_1s 0 is a no-op call that stores false.
	z, _ := loadTestMachine(t, buildStory(5, []byte{0x88, 0x00, 0x00, 0x00}))
	z.StepMachine()
	frame := z.callStack.peek()
	if z.callStack.depth() != 1 {
		t.Fatalf("call to address 0 should not push a frame")
	}
	if len(frame.routineStack) != 1 || frame.routineStack[0] != 0 {
		t.Errorf("eval stack = %v, want [0]", frame.routineStack)
	}
}

func TestCheckArgCount(t *testing.T) {
	// Routine called with one argument runs check_arg_count 1 (branch
	// taken) then check_arg_count 2 (branch not taken).
	img := buildStory(5, []byte{0xe0, 0x1f, 0x20, 0x00, 0x07, 0x00})
	img[testRoutineBase] = 1
	copy(img[testRoutineBase+1:], []byte{
		0xff, 0x7f, 0x01, 0xc5, // check_arg_count 1, offset 5
		0xff, 0x7f, 0x02, 0xc5, // check_arg_count 2, offset 5
	})
	z, _ := loadTestMachine(t, img)

	z.StepMachine() // call
	z.StepMachine() // check_arg_count 1
	if pc := z.callStack.peek().pc; pc != testRoutineBase+1+4+5-2 {
		t.Errorf("pc after satisfied check = 0x%05x, want 0x%05x", pc, testRoutineBase+1+4+5-2)
	}

	z.callStack.peek().pc = testRoutineBase + 1 + 4
	z.StepMachine() // check_arg_count 2
	if pc := z.callStack.peek().pc; pc != testRoutineBase+1+8 {
		t.Errorf("pc after unsatisfied check = 0x%05x, want 0x%05x", pc, testRoutineBase+1+8)
	}
}

func TestCatchThrowUnwinds(t *testing.T) {
	// main: call_1s routineA. routineA: catch -> global 0x10, then
	// call_1n routineB. routineB: throw 99 using the caught token, which
	// must unwind both routines and leave 99 as routineA's result.
	img := buildStory(5, []byte{0x88, 0x20, 0x00, 0x00})
	img[testRoutineBase] = 0
	copy(img[testRoutineBase+1:], []byte{
		0xb9, 0x10, // catch -> global 0x10
		0x8f, 0x20, 0x40, // call_1n 0x8100
	})
	img[0x8100] = 0
	copy(img[0x8101:], []byte{0x3c, 0x63, 0x10}) // throw 99, [global 0x10]
	z, _ := loadTestMachine(t, img)

	z.StepMachine() // call_1s
	z.StepMachine() // catch
	if got := z.Core.ReadGlobal(0x10); got != 2 {
		t.Fatalf("catch token = %d, want 2", got)
	}
	z.StepMachine() // call_1n
	if z.callStack.depth() != 3 {
		t.Fatalf("depth before throw = %d, want 3", z.callStack.depth())
	}
	z.StepMachine() // throw

	if z.callStack.depth() != 1 {
		t.Fatalf("depth after throw = %d, want 1", z.callStack.depth())
	}
	frame := z.callStack.peek()
	if len(frame.routineStack) != 1 || frame.routineStack[0] != 99 {
		t.Errorf("eval stack after throw = %v, want [99]", frame.routineStack)
	}
	if frame.pc != testCodeBase+4 {
		t.Errorf("pc after throw = 0x%04x, want 0x%04x", frame.pc, testCodeBase+4)
	}
}

// buildDictStory patches a two-entry dictionary ("lamp", "take", comma
// separator) into a v3 story, using the real encoder so lookups see
// exactly what read would produce.
func buildDictStory(t *testing.T) ([]byte, uint32, uint32) {
	t.Helper()
	img := buildStory(3, nil)
	img[testDictBase] = 1
	img[testDictBase+1] = ','
	img[testDictBase+2] = 7 // entry length
	img[testDictBase+3] = 0
	img[testDictBase+4] = 2 // entry count

	core, err := zcore.Load(img)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	alphabets := zstring.NewAlphabets(core)

	lampAddr := uint32(testDictBase + 5)
	takeAddr := lampAddr + 7
	for i, word := range []string{"lamp", "take"} {
		addr := lampAddr + uint32(i)*7
		for w, enc := range zstring.EncodeDictionaryWord(word, alphabets, 3, core) {
			img[addr+uint32(w)*2] = byte(enc >> 8)
			img[addr+uint32(w)*2+1] = byte(enc)
		}
	}
	return img, takeAddr, lampAddr
}

func TestTokeniseWritesParseBuffer(t *testing.T) {
	img, takeAddr, lampAddr := buildDictStory(t)
	z, _ := loadTestMachine(t, img)

	// v3 text buffer: max-length byte then null-terminated input.
	z.Core.MustWriteByte(testTextBuffer, 20)
	for i, c := range []byte("take lamp") {
		z.Core.MustWriteByte(testTextBuffer+1+uint32(i), c)
	}
	z.Core.MustWriteByte(testTextBuffer+10, 0)
	z.Core.MustWriteByte(testParseBuffer, 10) // token capacity

	z.tokenise(testTextBuffer, testParseBuffer, z.dictionary, false)

	if got := z.Core.MustReadByte(testParseBuffer + 1); got != 2 {
		t.Fatalf("token count = %d, want 2", got)
	}
	if got := z.Core.MustReadWord(testParseBuffer + 2); uint32(got) != takeAddr {
		t.Errorf("token 1 address = 0x%04x, want 0x%04x", got, takeAddr)
	}
	if got := z.Core.MustReadByte(testParseBuffer + 4); got != 4 {
		t.Errorf("token 1 length = %d, want 4", got)
	}
	if got := z.Core.MustReadByte(testParseBuffer + 5); got != 1 {
		t.Errorf("token 1 offset = %d, want 1", got)
	}
	if got := z.Core.MustReadWord(testParseBuffer + 6); uint32(got) != lampAddr {
		t.Errorf("token 2 address = 0x%04x, want 0x%04x", got, lampAddr)
	}
	if got := z.Core.MustReadByte(testParseBuffer + 8); got != 4 {
		t.Errorf("token 2 length = %d, want 4", got)
	}
	if got := z.Core.MustReadByte(testParseBuffer + 9); got != 6 {
		t.Errorf("token 2 offset = %d, want 6", got)
	}
}

func TestTokeniseSeparatorsAndUnknownWords(t *testing.T) {
	img, takeAddr, _ := buildDictStory(t)
	z, _ := loadTestMachine(t, img)

	z.Core.MustWriteByte(testTextBuffer, 20)
	for i, c := range []byte("take,sword") {
		z.Core.MustWriteByte(testTextBuffer+1+uint32(i), c)
	}
	z.Core.MustWriteByte(testTextBuffer+11, 0)
	z.Core.MustWriteByte(testParseBuffer, 10)

	z.tokenise(testTextBuffer, testParseBuffer, z.dictionary, false)

	if got := z.Core.MustReadByte(testParseBuffer + 1); got != 3 {
		t.Fatalf("token count = %d, want 3 (word, separator, word)", got)
	}
	if got := z.Core.MustReadWord(testParseBuffer + 2); uint32(got) != takeAddr {
		t.Errorf("token 1 address = 0x%04x, want take", got)
	}
	// The comma is a token in its own right, unmatched here.
	if got := z.Core.MustReadByte(testParseBuffer + 8); got != 1 {
		t.Errorf("separator token length = %d, want 1", got)
	}
	// "sword" is not in the dictionary: address 0.
	if got := z.Core.MustReadWord(testParseBuffer + 10); got != 0 {
		t.Errorf("unknown word address = 0x%04x, want 0", got)
	}
}

func TestQuetzalRoundTrip(t *testing.T) {
	z, _ := loadTestMachine(t, buildStory(3, nil))

	z.callStack.peek().push(42)
	z.callStack.peek().pc = testCodeBase + 0x10
	z.Core.WriteGlobal(0x10, 0xBEEF)
	memBefore := bytes.Clone(z.Core.DynamicMemory())

	data := z.ExportSaveState()
	if data == nil {
		t.Fatal("ExportSaveState returned nil")
	}

	// Clobber everything the save should reinstate.
	z.Core.WriteGlobal(0x10, 0x1234)
	z.Core.MustWriteByte(0x0500, 0x77)
	z.callStack.peek().push(7)
	z.callStack.peek().pc = 0x2222

	if !z.ImportSaveState(data) {
		t.Fatal("ImportSaveState failed")
	}

	if !bytes.Equal(z.Core.DynamicMemory(), memBefore) {
		t.Error("dynamic memory not restored")
	}
	frame := z.callStack.peek()
	if z.callStack.depth() != 1 {
		t.Errorf("call stack depth = %d, want 1", z.callStack.depth())
	}
	if len(frame.routineStack) != 1 || frame.routineStack[0] != 42 {
		t.Errorf("eval stack = %v, want [42]", frame.routineStack)
	}
	if frame.pc != testCodeBase+0x10 {
		t.Errorf("pc = 0x%04x, want 0x%04x", frame.pc, testCodeBase+0x10)
	}
}

func TestUndoRoundTrip(t *testing.T) {
	z, _ := loadTestMachine(t, buildStory(5, nil))

	z.Core.WriteGlobal(0x20, 111)
	z.saveUndo()
	z.Core.WriteGlobal(0x20, 222)

	if got := z.restoreUndo(); got != 2 {
		t.Fatalf("restoreUndo = %d, want 2", got)
	}
	if got := z.Core.ReadGlobal(0x20); got != 111 {
		t.Errorf("global after undo = %d, want 111", got)
	}
	if got := z.restoreUndo(); got != 0 {
		t.Errorf("restoreUndo with empty cache = %d, want 0", got)
	}
}

func TestOutputStream3CapturesText(t *testing.T) {
	// Select stream 3 at table 0x0400, print "hi", deselect, quit. The
	// captured text must land in memory and never reach the screen.
	z, output := loadTestMachine(t, buildStory(5, []byte{
		0xf3, 0x4f, 0x03, 0x04, 0x00, // output_stream 3, 0x0400
		0xe5, 0x7f, 'h', // print_char
		0xe5, 0x7f, 'i',
		0xf3, 0x3f, 0xff, 0xfd, // output_stream -3
		0xba, // quit
	}))

	z.Run()

	if got := z.Core.MustReadWord(0x0400); got != 2 {
		t.Errorf("captured length = %d, want 2", got)
	}
	if a, b := z.Core.MustReadByte(0x0402), z.Core.MustReadByte(0x0403); a != 'h' || b != 'i' {
		t.Errorf("captured bytes = %c%c, want hi", a, b)
	}

	close(output)
	for msg := range output {
		if s, ok := msg.(string); ok {
			t.Errorf("text %q leaked to the screen while stream 3 was active", s)
		}
	}
}

func TestVariableZeroPushPop(t *testing.T) {
	// push 5; push 9; pull -> global 0x10. Stack variable 0 pops on read.
	z, _ := loadTestMachine(t, buildStory(5, []byte{
		0xe8, 0x7f, 0x05, // push 5
		0xe8, 0x7f, 0x09, // push 9
		0xe9, 0x7f, 0x10, // pull global 0x10
	}))

	z.StepMachine()
	z.StepMachine()
	z.StepMachine()

	if got := z.Core.ReadGlobal(0x10); got != 9 {
		t.Errorf("pulled value = %d, want 9", got)
	}
	frame := z.callStack.peek()
	if len(frame.routineStack) != 1 || frame.routineStack[0] != 5 {
		t.Errorf("eval stack = %v, want [5]", frame.routineStack)
	}
}

func TestLoadAboveHighMemoryFaults(t *testing.T) {
	// loadb 0x1000 0: code lives above the high-memory mark (0x0800),
	// so a data load there must fault even though fetch from it is fine.
	z, output := loadTestMachine(t, buildStory(3, []byte{
		0xd0, 0x0f, 0x10, 0x00, 0x00, 0x00, 0x00,
	}))

	if z.safeStep() {
		t.Fatal("safeStep should stop on a high-memory data load")
	}
	msg, ok := (<-output).(RuntimeError)
	if !ok {
		t.Fatal("expected a RuntimeError on the output channel")
	}
	if want := "bad_memory_access"; !bytes.Contains([]byte(msg), []byte(want)) {
		t.Errorf("error %q does not name %q", msg, want)
	}
}

func TestUnknownOpcodeFaults(t *testing.T) {
	// 0OP:14 (extended marker in v3's 0OP space) has no handler.
	z, output := loadTestMachine(t, buildStory(3, []byte{0xbe}))

	if z.safeStep() {
		t.Fatal("safeStep should stop on an unknown opcode")
	}
	msg, ok := (<-output).(RuntimeError)
	if !ok {
		t.Fatal("expected a RuntimeError on the output channel")
	}
	if want := "unsupported_opcode"; !bytes.Contains([]byte(msg), []byte(want)) {
		t.Errorf("error %q does not name %q", msg, want)
	}
}
