package backend

import (
	"fmt"
	"log/slog"

	"github.com/gdamore/tcell/v2"
	"github.com/kestrelcore/gbcore/core"
	"github.com/kestrelcore/gbcore/core/video"
)

var shadeChars = []rune{'█', '▓', '▒', '░'}

const (
	gameAreaWidth  = video.FramebufferWidth
	gameAreaHeight = video.FramebufferHeight
	registerHeight = 8
	minTermWidth   = gameAreaWidth + 30
	minTermHeight  = gameAreaHeight + 2
)

// TerminalBackend renders the framebuffer as shaded block characters and maps
// arrow keys / A,S,Enter,Backspace to the joypad, following the shading table
// and key bindings of the teacher's own terminal renderer.
type TerminalBackend struct {
	screen tcell.Screen
	keys   []InputEvent
	quit   bool
}

// Quit reports whether the user has asked to exit (Esc or Ctrl+C). main.go
// checks this through the optional Quitter interface after each Update.
func (t *TerminalBackend) Quit() bool { return t.quit }

func NewTerminalBackend() *TerminalBackend {
	return &TerminalBackend{}
}

func (t *TerminalBackend) Init(config Config) error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("backend: terminal init: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("backend: terminal init: %w", err)
	}
	screen.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite))
	screen.Clear()
	t.screen = screen
	slog.Info("Terminal backend initialized", "title", config.Title)
	return nil
}

func (t *TerminalBackend) Cleanup() error {
	if t.screen != nil {
		t.screen.Fini()
	}
	return nil
}

func (t *TerminalBackend) Update(machine *core.Machine) ([]InputEvent, error) {
	t.keys = t.keys[:0]
	t.pollInput()

	termWidth, termHeight := t.screen.Size()
	if termWidth < minTermWidth || termHeight < minTermHeight {
		t.screen.Clear()
		style := tcell.StyleDefault.Foreground(tcell.ColorRed)
		msg := fmt.Sprintf("Terminal too small! Need at least %dx%d", minTermWidth, minTermHeight)
		for i, ch := range msg {
			t.screen.SetContent(i, termHeight/2, ch, nil, style)
		}
		t.screen.Show()
		return t.keys, nil
	}

	t.screen.Clear()
	t.drawFramebuffer(machine)
	t.drawStatus(machine, termWidth, termHeight)
	t.screen.Show()

	return t.keys, nil
}

func (t *TerminalBackend) drawFramebuffer(machine *core.Machine) {
	frame := machine.FramebufferView()
	style := tcell.StyleDefault.Foreground(tcell.ColorWhite)

	for y := 0; y < gameAreaHeight; y++ {
		for x := 0; x < gameAreaWidth; x++ {
			pixel := frame[y*gameAreaWidth+x]
			shade := 0
			switch video.GBColor(pixel) {
			case video.BlackColor:
				shade = 0
			case video.DarkGreyColor:
				shade = 1
			case video.LightGreyColor:
				shade = 2
			case video.WhiteColor:
				shade = 3
			}
			t.screen.SetContent(x, y, shadeChars[shade], nil, style)
		}
	}
}

func (t *TerminalBackend) drawStatus(machine *core.Machine, termWidth, termHeight int) {
	style := tcell.StyleDefault.Foreground(tcell.ColorGreen)
	cpuState := machine.GetCPU().State()

	lines := []string{
		fmt.Sprintf("Frame: %d  Instr: %d", machine.GetFrameCount(), machine.GetInstructionCount()),
		fmt.Sprintf("PC: 0x%04X  SP: 0x%04X", cpuState.PC, cpuState.SP),
		fmt.Sprintf("A: 0x%02X  F: 0x%02X", cpuState.A, cpuState.F),
		"Arrows/A/S/Enter/Backspace = joypad, Esc = quit",
	}

	for i, line := range lines {
		y := gameAreaHeight + i
		if y >= termHeight {
			break
		}
		for x, ch := range line {
			if x >= termWidth {
				break
			}
			t.screen.SetContent(x, y, ch, nil, style)
		}
	}
}

func (t *TerminalBackend) pollInput() {
	for t.screen.HasPendingEvent() {
		switch ev := t.screen.PollEvent().(type) {
		case *tcell.EventKey:
			t.handleKey(ev)
		case *tcell.EventResize:
			t.screen.Sync()
		}
	}
}

func (t *TerminalBackend) handleKey(ev *tcell.EventKey) {
	press := func(b core.Button) {
		t.keys = append(t.keys, InputEvent{Button: b, Pressed: true})
	}

	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		t.quit = true
	case tcell.KeyUp:
		press(core.ButtonUp)
	case tcell.KeyDown:
		press(core.ButtonDown)
	case tcell.KeyLeft:
		press(core.ButtonLeft)
	case tcell.KeyRight:
		press(core.ButtonRight)
	case tcell.KeyEnter:
		press(core.ButtonStart)
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		press(core.ButtonSelect)
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'a':
			press(core.ButtonA)
		case 's':
			press(core.ButtonB)
		}
	}
}
