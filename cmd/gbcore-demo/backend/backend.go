// Package backend defines the host-side rendering/input contract consumed by
// the demo binary. The core package never imports this: a backend is a
// consumer of core.Machine's public API, not a part of the emulation itself.
package backend

import "github.com/kestrelcore/gbcore/core"

// InputEvent is a single joypad transition captured by a backend during Update.
type InputEvent struct {
	Button  core.Button
	Pressed bool
}

// Config holds the options a backend needs at Init time.
type Config struct {
	Title string
	Scale int
}

// Backend represents a complete host platform: rendering plus input capture.
// Implementations are responsible for:
//   - rendering a framebuffer snapshot to their specific output (terminal, window)
//   - capturing platform input and returning it as InputEvents
//   - releasing any platform resources on Cleanup
type Backend interface {
	Init(config Config) error
	Update(machine *core.Machine) ([]InputEvent, error)
	Cleanup() error
}
