// Command zcli is the interactive terminal front end: it loads a story
// file (raw Z-code or a Blorb wrapping one), runs the interpreter on its
// own goroutine, and renders the two-window screen model with Bubble Tea.
// Run with no -rom flag to browse and download stories from the IF
// Archive instead.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"github.com/zmachine-go/zvm/selectstoryui"
	"github.com/zmachine-go/zvm/storyfile"
	"github.com/zmachine-go/zvm/zmachine"
)

var (
	romFilePath  string
	cacheDir     string
	defaultStyle = lipgloss.NewStyle()
)

// Bubble Tea requires distinct message types per event; these alias the
// interpreter's output-channel payloads into the UI's message space.
type textUpdateMessage string
type eraseLineMessage zmachine.EraseLineRequest
type eraseWindowMessage zmachine.EraseWindowRequest
type statusBarMessage zmachine.StatusBar
type screenModelMessage zmachine.ScreenModel
type inputRequestMessage zmachine.InputRequest
type saveRequestMessage zmachine.Save
type restoreRequestMessage zmachine.Restore
type restartMessage bool
type runtimeErrorMessage zmachine.RuntimeError
type warningMessage zmachine.Warning
type soundEffectMessage zmachine.SoundEffectRequest

// keyToZSCII maps Bubble Tea special keys to the input character codes
// the read/read_char opcodes expect (cursor keys 129-132, F1-F12
// 133-144).
func keyToZSCII(msg tea.KeyMsg) uint8 {
	switch msg.Type {
	case tea.KeyUp:
		return 129
	case tea.KeyDown:
		return 130
	case tea.KeyLeft:
		return 131
	case tea.KeyRight:
		return 132
	case tea.KeyF1, tea.KeyF2, tea.KeyF3, tea.KeyF4, tea.KeyF5, tea.KeyF6,
		tea.KeyF7, tea.KeyF8, tea.KeyF9, tea.KeyF10, tea.KeyF11, tea.KeyF12:
		return 133 + uint8(msg.Type-tea.KeyF1)
	case tea.KeyEscape:
		return 27
	case tea.KeyEnter:
		return 13
	case tea.KeyBackspace, tea.KeyDelete:
		return 8
	default:
		return 0
	}
}

type storyUIState int

const (
	storyRunning storyUIState = iota
	storyAwaitingLine
	storyAwaitingChar
)

type storyModel struct {
	machineOutput  <-chan any
	machineInput   chan<- zmachine.InputResponse
	saveRestore    chan<- zmachine.SaveRestoreResponse
	machine        *zmachine.ZMachine
	storyBytes     []byte
	storyPath      string

	state            storyUIState
	validTerminators []uint8
	inputBox         textinput.Model

	statusBar   zmachine.StatusBar
	screenModel zmachine.ScreenModel

	// Lower window text is append-only; styled spans are pre-rendered as
	// styles change so a later style switch cannot restyle old text.
	lowerStyled string
	lowerRaw    string
	upperText   []string
	upperStyles [][]lipgloss.Style

	width  int
	height int

	backgroundStyle lipgloss.Style
	statusBarStyle  lipgloss.Style
	upperStyleNow   lipgloss.Style
	lowerStyle      lipgloss.Style

	fatalError string
}

func newStoryModel(machine *zmachine.ZMachine, input chan<- zmachine.InputResponse, saveRestore chan<- zmachine.SaveRestoreResponse, output <-chan any, storyBytes []byte, storyPath string) tea.Model {
	box := textinput.New()
	box.Focus()
	box.CharLimit = 156
	box.Width = 20
	box.Prompt = ""

	return storyModel{
		machineOutput:    output,
		machineInput:     input,
		saveRestore:      saveRestore,
		machine:          machine,
		storyBytes:       storyBytes,
		storyPath:        storyPath,
		state:            storyRunning,
		validTerminators: []uint8{13},
		inputBox:         box,
		backgroundStyle:  lipgloss.NewStyle(),
		statusBarStyle:   lipgloss.NewStyle(),
		upperStyleNow:    lipgloss.NewStyle(),
		lowerStyle:       lipgloss.NewStyle(),
	}
}

func (m storyModel) Init() tea.Cmd {
	return tea.Batch(
		awaitMachine(m.machineOutput),
		runMachine(m.machine),
		tea.Sequence(
			tea.SetWindowTitle(filepath.Base(m.storyPath)),
			tea.WindowSize(),
		),
	)
}

func runMachine(z *zmachine.ZMachine) tea.Cmd {
	return func() tea.Msg {
		z.Run()
		return nil
	}
}

// awaitMachine blocks on the interpreter's output channel and converts
// the next payload into a UI message. Each handled message re-issues
// this command, so exactly one outstanding read exists at a time and the
// interpreter's program-order guarantee carries through to rendering.
func awaitMachine(sub <-chan any) tea.Cmd {
	return func() tea.Msg {
		switch msg := (<-sub).(type) {
		case string:
			return textUpdateMessage(msg)
		case zmachine.InputRequest:
			return inputRequestMessage(msg)
		case zmachine.StateChangeRequest:
			return msg
		case zmachine.Save:
			return saveRequestMessage(msg)
		case zmachine.Restore:
			return restoreRequestMessage(msg)
		case zmachine.EraseWindowRequest:
			return eraseWindowMessage(msg)
		case zmachine.EraseLineRequest:
			return eraseLineMessage(msg)
		case zmachine.StatusBar:
			return statusBarMessage(msg)
		case zmachine.ScreenModel:
			return screenModelMessage(msg)
		case zmachine.SoundEffectRequest:
			return soundEffectMessage(msg)
		case zmachine.Quit:
			return tea.Quit()
		case zmachine.Restart:
			return restartMessage(true)
		case zmachine.RuntimeError:
			return runtimeErrorMessage(msg)
		case zmachine.Warning:
			return warningMessage(msg)
		default:
			return runtimeErrorMessage("unexpected message type from interpreter")
		}
	}
}

func (m storyModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeUpperWindow(m.screenModel.UpperWindowHeight)

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		switch m.state {
		case storyAwaitingChar:
			m.state = storyRunning
			if len(msg.Runes) > 0 {
				m.machineInput <- zmachine.InputResponse{Text: string(msg.Runes[0])}
			} else {
				m.machineInput <- zmachine.InputResponse{TerminatingKey: keyToZSCII(msg)}
			}
		case storyAwaitingLine:
			key := keyToZSCII(msg)
			if msg.Type == tea.KeyEnter || slices.Contains(m.validTerminators, key) {
				m.state = storyRunning
				m.lowerRaw += m.inputBox.Value() + "\n"
				terminator := uint8(13)
				if msg.Type != tea.KeyEnter {
					terminator = key
				}
				m.machineInput <- zmachine.InputResponse{Text: m.inputBox.Value(), TerminatingKey: terminator}
				m.inputBox.SetValue("")
			}
		}

	case textUpdateMessage:
		m.applyText(string(msg))
		return m, awaitMachine(m.machineOutput)

	case inputRequestMessage:
		m.state = storyAwaitingLine
		m.validTerminators = msg.ValidTerminators
		return m, awaitMachine(m.machineOutput)

	case zmachine.StateChangeRequest:
		switch msg {
		case zmachine.WaitForCharacter:
			m.state = storyAwaitingChar
		case zmachine.Running:
			m.state = storyRunning
		}
		return m, awaitMachine(m.machineOutput)

	case saveRequestMessage:
		m.saveRestore <- m.serviceSave(zmachine.Save(msg))
		return m, awaitMachine(m.machineOutput)

	case restoreRequestMessage:
		m.saveRestore <- m.serviceRestore(zmachine.Restore(msg))
		return m, awaitMachine(m.machineOutput)

	case statusBarMessage:
		m.statusBar = zmachine.StatusBar(msg)
		return m, awaitMachine(m.machineOutput)

	case screenModelMessage:
		m.applyScreenModel(zmachine.ScreenModel(msg))
		return m, awaitMachine(m.machineOutput)

	case restartMessage:
		return m.restart()

	case eraseLineMessage:
		// Only the upper window supports in-place erasure.
		if !m.screenModel.LowerWindowActive {
			m.eraseToLineEnd()
		}
		return m, awaitMachine(m.machineOutput)

	case eraseWindowMessage:
		m.eraseWindow(int(msg))
		return m, awaitMachine(m.machineOutput)

	case runtimeErrorMessage:
		m.fatalError = string(msg)
		return m, tea.Quit

	case warningMessage:
		fmt.Fprintf(os.Stderr, "%s\n", string(msg))
		return m, awaitMachine(m.machineOutput)

	case soundEffectMessage:
		// Bleeps 1 and 2 map to the terminal bell; everything else needs
		// sampled-sound support this front end does not have.
		if msg.SoundNumber == 1 || msg.SoundNumber == 2 {
			fmt.Print("\a")
		} else if msg.Routine != 0 {
			fmt.Fprintf(os.Stderr, "warning: sound %d completion routine not supported\n", msg.SoundNumber)
		}
		return m, awaitMachine(m.machineOutput)
	}

	if m.state == storyAwaitingLine {
		m.inputBox, cmd = m.inputBox.Update(msg)
	}

	return m, cmd
}

// applyText routes printed text into the window the screen model says is
// active: append-only for the lower window, cursor-addressed overwrite
// for the upper one.
func (m *storyModel) applyText(text string) {
	if m.screenModel.LowerWindowActive {
		m.lowerRaw += text
		return
	}

	cursorX := m.screenModel.UpperWindowCursorX
	cursorY := m.screenModel.UpperWindowCursorY
	segments := strings.Split(text, "\n")
	for segIdx, segment := range segments {
		if cursorY >= 0 && cursorY < len(m.upperText) {
			row := m.upperText[cursorY]
			for i := 0; i < len(segment) && cursorX+i < len(m.upperStyles[cursorY]); i++ {
				m.upperStyles[cursorY][cursorX+i] = m.upperStyleNow
			}
			if cursorX < len(row) {
				after := ""
				if end := cursorX + len(segment); end < len(row) {
					after = row[end:]
				}
				full := row[:cursorX] + segment + after
				if len(full) > m.width {
					full = full[:m.width]
				}
				m.upperText[cursorY] = full
			}
		}
		if segIdx < len(segments)-1 {
			cursorY++
			cursorX = 0
		}
	}
}

func (m *storyModel) applyScreenModel(sm zmachine.ScreenModel) {
	m.screenModel = sm
	if len(m.upperText) != sm.UpperWindowHeight {
		m.resizeUpperWindow(sm.UpperWindowHeight)
	}

	// Flush pending lower-window text under the outgoing style before
	// rebuilding the style set.
	m.flushLowerText()

	m.lowerStyle = m.lowerStyle.
		Background(lipgloss.Color(sm.LowerWindowBackground.ToHex())).
		Foreground(lipgloss.Color(sm.LowerWindowForeground.ToHex())).
		Bold(sm.LowerWindowTextStyle&zmachine.Bold != 0).
		Italic(sm.LowerWindowTextStyle&zmachine.Italic != 0).
		Reverse(sm.LowerWindowTextStyle&zmachine.ReverseVideo != 0).
		Inline(true)
	m.upperStyleNow = m.upperStyleNow.
		Background(lipgloss.Color(sm.UpperWindowBackground.ToHex())).
		Foreground(lipgloss.Color(sm.UpperWindowForeground.ToHex())).
		Bold(sm.UpperWindowTextStyle&zmachine.Bold != 0).
		Italic(sm.UpperWindowTextStyle&zmachine.Italic != 0).
		Reverse(sm.UpperWindowTextStyle&zmachine.ReverseVideo != 0)
	m.statusBarStyle = m.lowerStyle.Reverse(true)
	m.backgroundStyle = m.backgroundStyle.
		Background(lipgloss.Color(sm.DefaultLowerWindowBackground.ToHex())).
		Foreground(lipgloss.Color(sm.DefaultLowerWindowForeground.ToHex()))
}

func (m *storyModel) resizeUpperWindow(lines int) {
	if lines > m.height {
		lines = m.height
	}
	if lines < 0 {
		lines = 0
	}
	for len(m.upperText) > lines {
		m.upperText = m.upperText[:len(m.upperText)-1]
		m.upperStyles = m.upperStyles[:len(m.upperStyles)-1]
	}
	for len(m.upperText) < lines {
		m.upperText = append(m.upperText, strings.Repeat(" ", m.width))
		m.upperStyles = append(m.upperStyles, slices.Repeat([]lipgloss.Style{defaultStyle}, m.width))
	}
	for ix, row := range m.upperText {
		if m.width < len(row) {
			m.upperText[ix] = row[:m.width]
			m.upperStyles[ix] = m.upperStyles[ix][:m.width]
		} else if m.width > len(row) {
			m.upperText[ix] = row + strings.Repeat(" ", m.width-len(row))
			for len(m.upperStyles[ix]) < m.width {
				m.upperStyles[ix] = append(m.upperStyles[ix], defaultStyle)
			}
		}
	}
}

func (m *storyModel) blankUpperRow(row int) {
	if row >= 0 && row < len(m.upperText) {
		m.upperText[row] = strings.Repeat(" ", m.width)
		m.upperStyles[row] = slices.Repeat([]lipgloss.Style{defaultStyle}, m.width)
	}
}

func (m *storyModel) eraseToLineEnd() {
	line := m.screenModel.UpperWindowCursorY
	start := m.screenModel.UpperWindowCursorX
	if line < 0 || line >= len(m.upperText) || start < 0 || start >= len(m.upperText[line]) {
		return
	}
	row := m.upperText[line]
	m.upperText[line] = row[:start] + strings.Repeat(" ", len(row)-start)
}

func (m *storyModel) eraseWindow(window int) {
	switch window {
	case -2, -1: // -1 additionally unsplit, which applyScreenModel handles
		m.lowerRaw = ""
		m.lowerStyled = ""
		for row := range m.upperText {
			m.blankUpperRow(row)
		}
	case 0:
		m.lowerRaw = ""
		m.lowerStyled = ""
	case 1:
		for row := 0; row < m.screenModel.UpperWindowHeight; row++ {
			m.blankUpperRow(row)
		}
	}
}

func (m *storyModel) restart() (tea.Model, tea.Cmd) {
	output := make(chan any)
	input := make(chan zmachine.InputResponse)
	saveRestore := make(chan zmachine.SaveRestoreResponse)
	m.machine = zmachine.LoadRom(m.storyBytes, input, saveRestore, output)
	m.machineOutput = output
	m.machineInput = input
	m.saveRestore = saveRestore

	m.lowerRaw = ""
	m.lowerStyled = ""
	for row := range m.upperText {
		m.blankUpperRow(row)
	}
	m.state = storyRunning

	return *m, tea.Batch(
		awaitMachine(m.machineOutput),
		runMachine(m.machine),
	)
}

func (m *storyModel) serviceSave(req zmachine.Save) zmachine.SaveRestoreResponse {
	if req.NumBytes != 0 {
		return zmachine.SaveResponse{Success: false}
	}
	filename := req.Filename
	if filename == "" {
		filename = m.defaultSaveFilename()
	}
	data := m.machine.ExportSaveState()
	if data == nil || os.WriteFile(filename, data, 0644) != nil {
		return zmachine.SaveResponse{Success: false}
	}
	return zmachine.SaveResponse{Success: true, Result: 1}
}

func (m *storyModel) serviceRestore(req zmachine.Restore) zmachine.SaveRestoreResponse {
	if req.NumBytes != 0 {
		return zmachine.RestoreResponse{Success: false}
	}
	filename := req.Filename
	if filename == "" {
		filename = m.defaultSaveFilename()
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return zmachine.RestoreResponse{Success: false}
	}
	return zmachine.RestoreResponse{Success: true, Result: 2, Data: data}
}

// defaultSaveFilename swaps the story file's .z* extension for .sav, so
// "zork1.z3" saves to "zork1.sav" next to wherever it was launched from.
func (m *storyModel) defaultSaveFilename() string {
	if m.storyPath == "" {
		return "game.sav"
	}
	base := filepath.Base(m.storyPath)
	ext := filepath.Ext(base)
	if len(ext) >= 2 && (ext[1] == 'z' || ext[1] == 'Z') {
		base = base[:len(base)-len(ext)]
	}
	return base + ".sav"
}

func (m *storyModel) flushLowerText() {
	if m.lowerRaw == "" {
		return
	}
	lines := strings.Split(m.lowerRaw, "\n")
	for ix, line := range lines {
		lines[ix] = m.lowerStyle.Render(line)
	}
	m.lowerStyled += strings.Join(lines, "\n")
	m.lowerRaw = ""
}

func statusLine(width int, bar zmachine.StatusBar) string {
	right := fmt.Sprintf("Score: %d    Moves %d", bar.Score, bar.Moves)
	if bar.IsTimeBased {
		right = fmt.Sprintf("Time: %d:%02d", bar.Score, bar.Moves)
	}

	if len(right) >= width {
		return right[:width]
	}
	if len(bar.PlaceName)+len(right)+1 >= width {
		return fmt.Sprintf("%s %s", bar.PlaceName[:width-len(right)-1], right)
	}
	return bar.PlaceName + strings.Repeat(" ", width-len(bar.PlaceName)-len(right)) + right
}

func (m storyModel) View() string {
	if m.fatalError != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)
		return fmt.Sprintf("\n%s\n\n%s\n", errStyle.Render("Interpreter error:"), m.fatalError)
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	s := strings.Builder{}
	lowerHeight := m.height

	if m.statusBar.PlaceName != "" {
		s.WriteString(m.statusBarStyle.Render(statusLine(m.width, m.statusBar)))
		s.WriteString(m.lowerStyle.Render("\n"))
		lowerHeight -= 2
	} else {
		lowerHeight -= m.screenModel.UpperWindowHeight
		s.WriteString(m.renderUpperWindow())
	}

	m.flushLowerText()
	wrapped := wordwrap.String(m.lowerStyled, m.width)
	lines := strings.Split(wrapped, "\n")
	if len(lines) > lowerHeight-2 {
		lines = lines[len(lines)-lowerHeight+2:]
	}
	s.WriteString(strings.Join(lines, "\n"))

	if m.state == storyAwaitingLine {
		s.WriteString(m.lowerStyle.Render("\n" + m.inputBox.View()))
	}

	return m.backgroundStyle.Width(m.width).Height(m.height).Render(s.String())
}

// renderUpperWindow emits the upper window's character grid, batching
// runs of identically styled characters into single Render calls.
func (m storyModel) renderUpperWindow() string {
	var out strings.Builder
	var run strings.Builder
	var runStyle lipgloss.Style

	sameStyle := func(a, b lipgloss.Style) bool {
		return a.GetBackground() == b.GetBackground() &&
			a.GetForeground() == b.GetForeground() &&
			a.GetBold() == b.GetBold() &&
			a.GetItalic() == b.GetItalic() &&
			a.GetReverse() == b.GetReverse()
	}

	for row, styleRow := range m.upperStyles {
		rowRunes := []rune(m.upperText[row])
		for col, chrStyle := range styleRow {
			if !sameStyle(chrStyle, runStyle) {
				if run.Len() > 0 {
					out.WriteString(runStyle.Render(run.String()))
				}
				runStyle = chrStyle
				run.Reset()
			}
			if col < len(rowRunes) {
				run.WriteRune(rowRunes[col])
			}
		}
		run.WriteByte('\n')
	}
	if run.Len() > 0 {
		out.WriteString(runStyle.Render(run.String()))
	}
	return out.String()
}

// loadStoryBytes reads and classifies the file at path, returning raw
// Z-code bytes ready for the interpreter (unwrapping a Blorb if needed).
func loadStoryBytes(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	detection, err := storyfile.Detect(raw)
	if err != nil {
		return nil, err
	}
	switch detection.Format {
	case storyfile.FormatZCode:
		if detection.ZCodeLength > 0 {
			return raw[detection.ZCodeOffset : detection.ZCodeOffset+detection.ZCodeLength], nil
		}
		return raw, nil
	case storyfile.FormatGlulx:
		return nil, fmt.Errorf("%s is a Glulx story, which this interpreter does not run", path)
	default:
		return nil, fmt.Errorf("%s is not a recognized story file", path)
	}
}

func init() {
	flag.StringVar(&romFilePath, "rom", "", "path of a Z-machine story file (raw or Blorb)")
	flag.StringVar(&cacheDir, "cache", "", "directory for the IF Archive story browser's downloads")
	flag.Parse()
}

func main() {
	var model tea.Model

	if romFilePath != "" {
		storyBytes, err := loadStoryBytes(romFilePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		output := make(chan any)
		input := make(chan zmachine.InputResponse)
		saveRestore := make(chan zmachine.SaveRestoreResponse)
		machine := zmachine.LoadRom(storyBytes, input, saveRestore, output)
		model = newStoryModel(machine, input, saveRestore, output, storyBytes, romFilePath)
	} else {
		model = selectstoryui.NewUIModel(newStoryModel, cacheDir)
	}

	tui := tea.NewProgram(model)
	if _, err := tui.Run(); err != nil {
		fmt.Println("Error running program:", err)
		os.Exit(1)
	}
}
