package zmachine

// Provider is the I/O contract the engine drives: one method per
// command family, each taking and returning typed values. The engine
// calls these synchronously, in program order, and never issues a new
// command before the previous one returned. A provider owns all
// presentation state; the engine owns everything else.
type Provider interface {
	// Print delivers buffered story text for the currently selected
	// window (the accompanying screen model says which one).
	Print(text string)
	// Status replaces the v1-3 status line.
	Status(bar StatusBar)
	// UpdateScreen replaces the provider's copy of the screen model:
	// window split/selection, cursor, colors, styles, font.
	UpdateScreen(model ScreenModel)
	// EraseWindow clears a window (-2 clear all, -1 unsplit and clear
	// all, 0 lower, 1 upper).
	EraseWindow(req EraseWindowRequest)
	// EraseLine clears from the cursor to the end of the current line.
	EraseLine(req EraseLineRequest)
	// ReadLine collects one line of input, terminated by one of the
	// request's terminating characters.
	ReadLine(req InputRequest) InputResponse
	// ReadChar collects a single keystroke.
	ReadChar() InputResponse
	// Save persists the machine's Quetzal bytes (obtained from
	// ExportSaveState) somewhere durable.
	Save(req Save) SaveRestoreResponse
	// Restore produces previously saved Quetzal bytes, or a failure
	// response on cancel.
	Restore(req Restore) SaveRestoreResponse
	// SoundEffect forwards a bleep or sampled-sound request.
	SoundEffect(req SoundEffectRequest)
	// Quit and Restart report that the story has ended or asked to be
	// reloaded; no further commands follow on this machine.
	Quit()
	Restart()
	// ReportError delivers a terminal runtime fault; Warn delivers a
	// non-fatal diagnostic.
	ReportError(err RuntimeError)
	Warn(w Warning)
}

// ChannelProvider adapts the Provider contract onto the message-passing
// protocol event-loop hosts (Bubble Tea) want: commands become values on
// Output, and the two response channels answer input and save/restore
// requests. This is the transport behind LoadRom's channel signature.
type ChannelProvider struct {
	Output      chan<- any
	Input       <-chan InputResponse
	SaveRestore <-chan SaveRestoreResponse
}

func (p *ChannelProvider) Print(text string) { p.Output <- text }

func (p *ChannelProvider) Status(bar StatusBar) { p.Output <- bar }

func (p *ChannelProvider) UpdateScreen(model ScreenModel) { p.Output <- model }

func (p *ChannelProvider) EraseWindow(req EraseWindowRequest) { p.Output <- req }

func (p *ChannelProvider) EraseLine(req EraseLineRequest) { p.Output <- req }

func (p *ChannelProvider) ReadLine(req InputRequest) InputResponse {
	p.Output <- req
	return <-p.Input
}

func (p *ChannelProvider) ReadChar() InputResponse {
	p.Output <- WaitForCharacter
	return <-p.Input
}

func (p *ChannelProvider) Save(req Save) SaveRestoreResponse {
	p.Output <- req
	return <-p.SaveRestore
}

func (p *ChannelProvider) Restore(req Restore) SaveRestoreResponse {
	p.Output <- req
	return <-p.SaveRestore
}

func (p *ChannelProvider) SoundEffect(req SoundEffectRequest) { p.Output <- req }

func (p *ChannelProvider) Quit() { p.Output <- Quit(true) }

func (p *ChannelProvider) Restart() { p.Output <- Restart(true) }

func (p *ChannelProvider) ReportError(err RuntimeError) { p.Output <- err }

func (p *ChannelProvider) Warn(w Warning) { p.Output <- w }
