package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"github.com/kestrelcore/gbcore/core"
	"github.com/kestrelcore/gbcore/core/timing"

	"github.com/kestrelcore/gbcore/cmd/gbcore-demo/backend"
)

// quitter is implemented by backends that can signal the user asked to exit
// (Esc / Ctrl+C / window close). Backends without an exit gesture just never
// report quit.
type quitter interface {
	Quit() bool
}

func main() {
	app := cli.NewApp()
	app.Name = "gbcore-demo"
	app.Usage = "gbcore-demo [options] <ROM file>"
	app.Description = "Sample host for the gbcore DMG/CGB emulation core"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "rom", Usage: "Path to the ROM file"},
		cli.StringFlag{Name: "boot", Usage: "Path to an optional boot ROM image"},
		cli.BoolFlag{Name: "headless", Usage: "Run without a display, for a fixed number of frames"},
		cli.IntFlag{Name: "frames", Usage: "Number of frames to run in headless mode", Value: 0},
		cli.BoolFlag{Name: "sdl2", Usage: "Use the SDL2 window backend instead of the terminal"},
		cli.BoolFlag{Name: "cgb", Usage: "Force CGB mode regardless of the cartridge header"},
		cli.BoolFlag{Name: "dmg", Usage: "Force DMG mode regardless of the cartridge header"},
		cli.StringFlag{Name: "save", Usage: "Battery-save RAM path (defaults to <rom>.sav)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		slog.Error("gbcore-demo exited with error", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	romPath := c.String("rom")
	if romPath == "" {
		if c.NArg() > 0 {
			romPath = c.Args().Get(0)
		} else {
			cli.ShowAppHelp(c)
			return errors.New("no ROM path provided")
		}
	}

	romData, err := os.ReadFile(romPath)
	if err != nil {
		return fmt.Errorf("reading ROM: %w", err)
	}

	var bootData []byte
	if bootPath := c.String("boot"); bootPath != "" {
		bootData, err = os.ReadFile(bootPath)
		if err != nil {
			return fmt.Errorf("reading boot ROM: %w", err)
		}
	}

	modeHint := core.ModeAuto
	if c.Bool("cgb") {
		modeHint = core.ModeCGB
	} else if c.Bool("dmg") {
		modeHint = core.ModeDMG
	}

	machine, err := core.Construct(romData, bootData, modeHint, true, 44100)
	if err != nil {
		return fmt.Errorf("constructing machine: %w", err)
	}

	savePath := c.String("save")
	if savePath == "" {
		savePath = romPath + ".sav"
	}
	if saveData, err := os.ReadFile(savePath); err == nil {
		machine.GetMMU().LoadBatteryRAM(saveData)
		slog.Info("Loaded battery RAM", "path", savePath)
	}
	defer persistBatteryRAM(machine, savePath)

	if c.Bool("headless") {
		frames := c.Int("frames")
		if frames <= 0 {
			return errors.New("headless mode requires --frames with a positive value")
		}
		return runHeadless(machine, frames)
	}

	return runInteractive(machine, c.Bool("sdl2"))
}

func runHeadless(machine *core.Machine, frames int) error {
	slog.Info("Running headless", "frames", frames)
	for i := 0; i < frames; i++ {
		machine.StepFrame()
		if (i+1)%60 == 0 {
			slog.Info("Frame progress", "completed", i+1, "total", frames)
		}
	}
	slog.Info("Headless run completed", "frames", machine.GetFrameCount(), "instructions", machine.GetInstructionCount())
	return nil
}

func runInteractive(machine *core.Machine, useSDL2 bool) error {
	var b backend.Backend
	if useSDL2 {
		b = backend.NewSDL2Backend()
	} else {
		b = backend.NewTerminalBackend()
	}

	if err := b.Init(backend.Config{Title: "gbcore-demo", Scale: 3}); err != nil {
		return fmt.Errorf("initializing backend: %w", err)
	}
	defer b.Cleanup()

	limiter := timing.NewAdaptiveLimiter()
	defer limiter.Reset()

	for {
		machine.RunUntilFrame()

		events, err := b.Update(machine)
		if err != nil {
			return fmt.Errorf("backend update: %w", err)
		}
		for _, ev := range events {
			machine.SetButton(ev.Button, ev.Pressed)
		}

		if q, ok := b.(quitter); ok && q.Quit() {
			return nil
		}

		limiter.WaitForNextFrame()
	}
}

func persistBatteryRAM(machine *core.Machine, path string) {
	data := machine.RequestSaveRam()
	if data == nil {
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		slog.Error("Failed to persist battery RAM", "path", path, "error", err)
		return
	}
	slog.Info("Persisted battery RAM", "path", path)
}
