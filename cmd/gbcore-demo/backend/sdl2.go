//go:build sdl2

package backend

import (
	"fmt"
	"unsafe"

	"github.com/kestrelcore/gbcore/core"
	"github.com/kestrelcore/gbcore/core/video"
	"github.com/veandco/go-sdl2/sdl"
)

const pixelScale = 3

// SDL2Backend implements Backend with a real SDL2 window. Building it
// requires the SDL2 development libraries and the sdl2 build tag; the
// default build uses the stub in sdl2_stub.go instead.
type SDL2Backend struct {
	window   *sdl.Window
	renderer *sdl.Renderer
	texture  *sdl.Texture
	keys     []InputEvent
	quit     bool
}

func NewSDL2Backend() *SDL2Backend {
	return &SDL2Backend{}
}

func (s *SDL2Backend) Quit() bool { return s.quit }

func (s *SDL2Backend) Init(config Config) error {
	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		return fmt.Errorf("backend: sdl2 init: %w", err)
	}

	title := config.Title
	if title == "" {
		title = "gbcore"
	}

	window, err := sdl.CreateWindow(
		title,
		sdl.WINDOWPOS_CENTERED, sdl.WINDOWPOS_CENTERED,
		int32(video.FramebufferWidth*pixelScale), int32(video.FramebufferHeight*pixelScale),
		sdl.WINDOW_SHOWN,
	)
	if err != nil {
		sdl.Quit()
		return fmt.Errorf("backend: sdl2 create window: %w", err)
	}
	s.window = window

	renderer, err := sdl.CreateRenderer(window, -1, sdl.RENDERER_ACCELERATED|sdl.RENDERER_PRESENTVSYNC)
	if err != nil {
		window.Destroy()
		sdl.Quit()
		return fmt.Errorf("backend: sdl2 create renderer: %w", err)
	}
	s.renderer = renderer

	texture, err := renderer.CreateTexture(
		sdl.PIXELFORMAT_RGBA8888,
		sdl.TEXTUREACCESS_STREAMING,
		int32(video.FramebufferWidth), int32(video.FramebufferHeight),
	)
	if err != nil {
		renderer.Destroy()
		window.Destroy()
		sdl.Quit()
		return fmt.Errorf("backend: sdl2 create texture: %w", err)
	}
	s.texture = texture

	return nil
}

func (s *SDL2Backend) Cleanup() error {
	if s.texture != nil {
		s.texture.Destroy()
	}
	if s.renderer != nil {
		s.renderer.Destroy()
	}
	if s.window != nil {
		s.window.Destroy()
	}
	sdl.Quit()
	return nil
}

func (s *SDL2Backend) Update(machine *core.Machine) ([]InputEvent, error) {
	s.keys = s.keys[:0]
	s.pollInput()

	frame := machine.FramebufferView()
	pixels := unsafe.Slice((*byte)(unsafe.Pointer(&frame[0])), len(frame)*4)
	if err := s.texture.Update(nil, pixels, video.FramebufferWidth*4); err != nil {
		return s.keys, fmt.Errorf("backend: sdl2 texture update: %w", err)
	}

	s.renderer.Clear()
	s.renderer.Copy(s.texture, nil, nil)
	s.renderer.Present()

	return s.keys, nil
}

func (s *SDL2Backend) pollInput() {
	press := func(b core.Button, pressed bool) {
		s.keys = append(s.keys, InputEvent{Button: b, Pressed: pressed})
	}

	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		switch e := event.(type) {
		case *sdl.QuitEvent:
			s.quit = true
		case *sdl.KeyboardEvent:
			pressed := e.State == sdl.PRESSED
			switch e.Keysym.Sym {
			case sdl.K_ESCAPE:
				if pressed {
					s.quit = true
				}
			case sdl.K_UP:
				press(core.ButtonUp, pressed)
			case sdl.K_DOWN:
				press(core.ButtonDown, pressed)
			case sdl.K_LEFT:
				press(core.ButtonLeft, pressed)
			case sdl.K_RIGHT:
				press(core.ButtonRight, pressed)
			case sdl.K_RETURN:
				press(core.ButtonStart, pressed)
			case sdl.K_BACKSPACE:
				press(core.ButtonSelect, pressed)
			case sdl.K_a:
				press(core.ButtonA, pressed)
			case sdl.K_s:
				press(core.ButtonB, pressed)
			}
		}
	}
}
