package zmachine

import "testing"

// scriptedProvider answers every command inline, exercising the direct
// Provider surface (no channels, no goroutines).
type scriptedProvider struct {
	printed   string
	key       uint8
	line      string
	quit      bool
	restarted bool
	warnings  []string
	faults    []string
}

func (p *scriptedProvider) Print(text string)                   { p.printed += text }
func (p *scriptedProvider) Status(StatusBar)                    {}
func (p *scriptedProvider) UpdateScreen(ScreenModel)            {}
func (p *scriptedProvider) EraseWindow(EraseWindowRequest)      {}
func (p *scriptedProvider) EraseLine(EraseLineRequest)          {}
func (p *scriptedProvider) ReadLine(InputRequest) InputResponse { return InputResponse{Text: p.line} }
func (p *scriptedProvider) ReadChar() InputResponse             { return InputResponse{TerminatingKey: p.key} }
func (p *scriptedProvider) Save(Save) SaveRestoreResponse       { return SaveResponse{Success: false} }
func (p *scriptedProvider) Restore(Restore) SaveRestoreResponse {
	return RestoreResponse{Success: false}
}
func (p *scriptedProvider) SoundEffect(SoundEffectRequest) {}
func (p *scriptedProvider) Quit()                          { p.quit = true }
func (p *scriptedProvider) Restart()                       { p.restarted = true }
func (p *scriptedProvider) ReportError(err RuntimeError)   { p.faults = append(p.faults, string(err)) }
func (p *scriptedProvider) Warn(w Warning)                 { p.warnings = append(p.warnings, string(w)) }

func TestProviderDrivenRun(t *testing.T) {
	// print_char 'A'; read_char -> stack; quit. The provider answers the
	// keystroke synchronously, so Run completes on the calling goroutine.
	img := buildStory(5, []byte{
		0xe5, 0x7f, 'A',
		0xf6, 0x7f, 0x01, 0x00,
		0xba,
	})

	provider := &scriptedProvider{key: 13}
	z := NewMachine(img, provider)
	z.Run()

	if provider.printed != "A" {
		t.Errorf("printed = %q, want %q", provider.printed, "A")
	}
	if !provider.quit {
		t.Error("quit was never issued to the provider")
	}
	frame := z.callStack.peek()
	if len(frame.routineStack) != 1 || frame.routineStack[0] != 13 {
		t.Errorf("stored keypress = %v, want [13]", frame.routineStack)
	}
}

func TestProviderReceivesFault(t *testing.T) {
	img := buildStory(3, []byte{0xbe}) // no extended table in v3

	provider := &scriptedProvider{}
	NewMachine(img, provider).Run()

	if len(provider.faults) != 1 {
		t.Fatalf("faults = %v, want exactly one", provider.faults)
	}
}
