package zmachine

import (
	"strings"
	"testing"
)

func TestPumpSuspendsForCharInput(t *testing.T) {
	// print_char 'A'; read_char; quit.
	img := buildStory(5, []byte{
		0xe5, 0x7f, 'A', // print_char
		0xf6, 0x7f, 0x01, 0x00, // read_char 1 -> stack
		0xba, // quit
	})

	var printed strings.Builder
	pump := NewPump(img, PumpHooks{
		Emit: func(msg any) {
			if s, ok := msg.(string); ok {
				printed.WriteString(s)
			}
		},
	})

	if got := pump.RunUntilInput(); got != SuspendedForChar {
		t.Fatalf("first suspension = %v, want SuspendedForChar", got)
	}
	if printed.String() != "A" {
		t.Errorf("printed before suspension = %q, want %q", printed.String(), "A")
	}

	if got := pump.SubmitCharInput('x'); got != Finished {
		t.Fatalf("after char input = %v, want Finished", got)
	}

	frame := pump.Machine().callStack.peek()
	if len(frame.routineStack) != 1 || frame.routineStack[0] != 'x' {
		t.Errorf("stored keypress = %v, want ['x']", frame.routineStack)
	}
}

func TestPumpSuspendsForLineInput(t *testing.T) {
	// aread with text buffer 0x0400 (parse buffer 0); quit. The typed
	// line must land in the v5 buffer layout: length at byte 1, text
	// from byte 2.
	img := buildStory(5, []byte{
		0xe4, 0x0f, 0x04, 0x00, 0x00, 0x00, 0x00, // aread text=0x0400 parse=0
		0xba, // quit
	})
	img[0x0400] = 20 // buffer capacity

	pump := NewPump(img, PumpHooks{})

	if got := pump.RunUntilInput(); got != SuspendedForLine {
		t.Fatalf("suspension = %v, want SuspendedForLine", got)
	}
	if terms := pump.LineTerminators(); len(terms) == 0 || terms[0] != 13 {
		t.Errorf("terminators = %v, want enter (13) first", terms)
	}

	if got := pump.SubmitLineInput("go north"); got != Finished {
		t.Fatalf("after line input = %v, want Finished", got)
	}

	z := pump.Machine()
	if got := z.Core.MustReadByte(0x0401); got != 8 {
		t.Errorf("stored length = %d, want 8", got)
	}
	text := string(z.Core.Slice(0x0402, 0x0402+8))
	if text != "go north" {
		t.Errorf("stored text = %q, want %q", text, "go north")
	}
}

func TestPumpFailsOnFault(t *testing.T) {
	img := buildStory(3, []byte{0xbe}) // no handler in v3

	pump := NewPump(img, PumpHooks{})
	if got := pump.RunUntilInput(); got != Failed {
		t.Fatalf("suspension = %v, want Failed", got)
	}
	if !strings.Contains(pump.Err, "unsupported_opcode") {
		t.Errorf("Err = %q, want it to name unsupported_opcode", pump.Err)
	}
}
