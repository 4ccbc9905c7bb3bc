//go:build !sdl2

package backend

import (
	"fmt"

	"github.com/kestrelcore/gbcore/core"
)

// SDL2Backend stub for builds without the sdl2 tag (and without the SDL2
// development libraries it requires). See sdl2.go for the real backend.
type SDL2Backend struct{}

func NewSDL2Backend() *SDL2Backend {
	return &SDL2Backend{}
}

func (s *SDL2Backend) Init(config Config) error {
	return fmt.Errorf("backend: SDL2 backend not available; rebuild with -tags sdl2 and install SDL2 development libraries")
}

func (s *SDL2Backend) Update(machine *core.Machine) ([]InputEvent, error) {
	return nil, fmt.Errorf("backend: SDL2 backend not available")
}

func (s *SDL2Backend) Cleanup() error {
	return nil
}
