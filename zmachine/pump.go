package zmachine

// Pump-mode driver: instead of blocking a host thread inside Run, the
// host repeatedly asks the machine to execute until its next input
// opcode, then answers with SubmitLineInput/SubmitCharInput. Internally
// the machine still runs its synchronous loop on its own goroutine; the
// pump owns all three channels and turns the channel conversation into a
// call/return surface, so event-loop hosts never touch a channel.

// Suspension says why RunUntilInput handed control back to the host.
type Suspension int

const (
	// SuspendedForLine means a read opcode wants a full line of input;
	// answer with SubmitLineInput.
	SuspendedForLine Suspension = iota
	// SuspendedForChar means a read_char opcode wants a single
	// keystroke; answer with SubmitCharInput.
	SuspendedForChar
	// Finished means the story quit or asked for a restart; the pump is
	// spent and a new one must be built to keep playing.
	Finished
	// Failed means execution stopped on a runtime fault; Err describes it.
	Failed
)

// PumpHooks lets the host customise how non-print commands are serviced.
// Any nil hook gets a reasonable default.
type PumpHooks struct {
	// Emit receives every message that is not an input suspension or a
	// save/restore request: text, ScreenModel, StatusBar, erase/sound
	// requests, warnings. Nil discards them.
	Emit func(msg any)
	// Save persists a Quetzal save file's bytes, reporting success.
	// Nil rejects every save.
	Save func(data []byte) bool
	// Restore produces previously saved Quetzal bytes, or nil on
	// cancel/failure. Nil rejects every restore.
	Restore func() []byte
}

// Pump wraps a ZMachine in pump-mode execution.
type Pump struct {
	machine *ZMachine
	hooks   PumpHooks

	input       chan InputResponse
	saveRestore chan SaveRestoreResponse
	output      chan any
	done        chan struct{}

	started     bool
	terminators []uint8

	// Err holds the fault message after RunUntilInput returns Failed.
	Err string
}

// NewPump loads storyBytes and prepares a pump around the machine. No
// instruction runs until the first RunUntilInput call.
func NewPump(storyBytes []byte, hooks PumpHooks) *Pump {
	input := make(chan InputResponse)
	saveRestore := make(chan SaveRestoreResponse)
	output := make(chan any)

	return &Pump{
		machine:     LoadRom(storyBytes, input, saveRestore, output),
		hooks:       hooks,
		input:       input,
		saveRestore: saveRestore,
		output:      output,
		done:        make(chan struct{}),
		terminators: []uint8{13},
	}
}

// Machine exposes the wrapped machine, e.g. for ExportSaveState inside a
// Save hook. Only safe to touch while the pump is suspended.
func (p *Pump) Machine() *ZMachine { return p.machine }

// LineTerminators reports the terminating characters the pending line
// input will accept, valid after RunUntilInput returns SuspendedForLine.
func (p *Pump) LineTerminators() []uint8 { return p.terminators }

// RunUntilInput executes instructions until the story wants input, ends,
// or faults. Print output and screen-state changes are delivered to the
// Emit hook, in program order, before this returns.
func (p *Pump) RunUntilInput() Suspension {
	if !p.started {
		p.started = true
		go func() {
			p.machine.Run()
			close(p.done)
		}()
	}

	for {
		select {
		case msg := <-p.output:
			switch m := msg.(type) {
			case InputRequest:
				p.terminators = m.ValidTerminators
				return SuspendedForLine
			case StateChangeRequest:
				if m == WaitForCharacter {
					return SuspendedForChar
				}
			case Save:
				p.saveRestore <- p.serviceSave()
			case Restore:
				p.saveRestore <- p.serviceRestore()
			case Quit, Restart:
				return Finished
			case RuntimeError:
				p.Err = string(m)
				return Failed
			default:
				if p.hooks.Emit != nil {
					p.hooks.Emit(msg)
				}
			}
		case <-p.done:
			return Finished
		}
	}
}

// SubmitLineInput answers a SuspendedForLine pause with the typed line
// (no trailing newline) and runs to the next suspension point.
func (p *Pump) SubmitLineInput(text string) Suspension {
	p.input <- InputResponse{Text: text, TerminatingKey: 13}
	return p.RunUntilInput()
}

// SubmitCharInput answers a SuspendedForChar pause with one keystroke
// (printable ZSCII or a special-key code) and runs on.
func (p *Pump) SubmitCharInput(chr uint8) Suspension {
	if chr >= 32 && chr <= 126 {
		p.input <- InputResponse{Text: string(rune(chr))}
	} else {
		p.input <- InputResponse{TerminatingKey: chr}
	}
	return p.RunUntilInput()
}

func (p *Pump) serviceSave() SaveRestoreResponse {
	if p.hooks.Save == nil {
		return SaveResponse{Success: false}
	}
	data := p.machine.ExportSaveState()
	if data == nil || !p.hooks.Save(data) {
		return SaveResponse{Success: false}
	}
	return SaveResponse{Success: true, Result: 1}
}

func (p *Pump) serviceRestore() SaveRestoreResponse {
	if p.hooks.Restore == nil {
		return RestoreResponse{Success: false}
	}
	data := p.hooks.Restore()
	if data == nil {
		return RestoreResponse{Success: false}
	}
	return RestoreResponse{Success: true, Result: 2, Data: data}
}
