// stage-jog drives the stage from the keyboard without the HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/config"
	"github.com/KevinKickass/OpenStageCore/internal/machine"
	"github.com/KevinKickass/OpenStageCore/internal/microcontroller"
	"github.com/KevinKickass/OpenStageCore/internal/navigation"
	"github.com/KevinKickass/OpenStageCore/internal/profile"
	"github.com/KevinKickass/OpenStageCore/internal/serial"
	"github.com/KevinKickass/OpenStageCore/internal/system"
	"github.com/eiannone/keyboard"
	"go.uber.org/zap"
)

const usage = `keys: arrows jog X/Y, PgUp/PgDn jog Z, +/- scale step,
      h home, z zero X/Y/Z, p position, q or Esc quit`

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the service config")
	device := flag.String("device", "", "serial device, overrides serial.device")
	simulate := flag.Bool("simulate", false, "drive the simulated controller")
	list := flag.Bool("list", false, "list serial ports and exit")
	step := flag.Float64("step", 0.1, "X/Y jog step in mm")
	zStep := flag.Float64("zstep", 0.005, "Z jog step in mm")
	flag.Parse()

	if *list {
		listPorts()
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *device != "" {
		cfg.Serial.Device = *device
	}
	if *simulate {
		cfg.Serial.Simulate = true
	}

	// keep the terminal for the jog prompt
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger, *step, *zStep); err != nil {
		logger.Fatal("stage-jog failed", zap.Error(err))
	}
}

// loadConfig falls back to defaults only when the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func listPorts() {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tUSB\tVID:PID\tSERIAL\tPRODUCT")
	for _, p := range serial.ListPorts() {
		fmt.Fprintf(w, "%s\t%t\t%s:%s\t%s\t%s\n", p.Name, p.IsUSB, p.VID, p.PID, p.SerialNumber, p.Product)
	}
	w.Flush()

	if name, err := serial.AutoDetect(serial.ListPorts(), ""); err == nil {
		fmt.Printf("\nstage controller: %s\n", name)
	}
}

func run(cfg *config.Config, logger *zap.Logger, step, zStep float64) error {
	loader, err := profile.NewLoader(logger)
	if err != nil {
		return err
	}
	p, err := loader.LoadOrDefault(cfg.Profile.Path)
	if err != nil {
		return err
	}

	transport, name, simulated, err := system.OpenTransport(cfg, p.Controller.SerialNumber, logger)
	if err != nil {
		return err
	}
	mcu, err := microcontroller.New(transport, microcontroller.OptionsFromConfig(cfg.Protocol), logger)
	if err != nil {
		transport.Close()
		return err
	}
	defer mcu.Close()

	ctx := context.Background()
	if err := mcu.ConfigureActuators(ctx, *p, cfg.Homing.Timeout); err != nil {
		return fmt.Errorf("configure actuators: %w", err)
	}

	nav, err := navigation.NewController(mcu, *p, cfg.Homing.Timeout, logger, nil)
	if err != nil {
		return err
	}
	defer nav.Close()

	mc := machine.NewController(logger, nav, cfg.Homing, nil, nil)
	defer mc.Close()

	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("open keyboard: %w", err)
	}
	defer keyboard.Close()

	fmt.Printf("connected to %s (simulated: %t)\n%s\n", name, simulated, usage)
	printPosition(nav)

	events := nav.Subscribe()
	defer nav.Unsubscribe(events)
	go func() {
		for ev := range events {
			if ev.Type == navigation.EventJoystickButton {
				fmt.Print("\r\njoystick button pressed\r\n")
			}
		}
	}()

	for {
		char, key, err := keyboard.GetKey()
		if err != nil {
			return err
		}

		var jog func() error
		switch {
		case key == keyboard.KeyEsc || key == keyboard.KeyCtrlC || char == 'q':
			return nil
		case key == keyboard.KeyArrowLeft:
			jog = func() error { return nav.MoveX(ctx, -step) }
		case key == keyboard.KeyArrowRight:
			jog = func() error { return nav.MoveX(ctx, step) }
		case key == keyboard.KeyArrowUp:
			jog = func() error { return nav.MoveY(ctx, step) }
		case key == keyboard.KeyArrowDown:
			jog = func() error { return nav.MoveY(ctx, -step) }
		case key == keyboard.KeyPgup:
			jog = func() error { return nav.MoveZ(ctx, zStep) }
		case key == keyboard.KeyPgdn:
			jog = func() error { return nav.MoveZ(ctx, -zStep) }
		case char == '+':
			step, zStep = step*2, zStep*2
			fmt.Printf("\rstep %.4f mm, z step %.4f mm\r\n", step, zStep)
		case char == '-':
			step, zStep = step/2, zStep/2
			fmt.Printf("\rstep %.4f mm, z step %.4f mm\r\n", step, zStep)
		case char == 'h':
			fmt.Print("\rhoming...\r\n")
			start := time.Now()
			if _, err := mc.Home(ctx); err != nil {
				fmt.Printf("\rhoming failed: %v\r\n", err)
				if _, rerr := mc.ExecuteCommand(ctx, machine.CommandReset); rerr != nil {
					fmt.Printf("\rreset failed: %v\r\n", rerr)
				}
			} else {
				fmt.Printf("\rhomed in %s\r\n", time.Since(start).Round(time.Millisecond))
			}
			printPosition(nav)
		case char == 'z':
			for _, axis := range []microcontroller.Axis{microcontroller.AxisX, microcontroller.AxisY, microcontroller.AxisZ} {
				if err := nav.Zero(ctx, axis); err != nil {
					fmt.Printf("\rzero %s: %v\r\n", axis, err)
				}
			}
			printPosition(nav)
		case char == 'p':
			printPosition(nav)
		}

		if jog == nil {
			continue
		}
		if err := mc.CheckMotion(); err != nil {
			fmt.Printf("\r%v\r\n", err)
			continue
		}
		if err := jog(); err != nil {
			if errors.Is(err, navigation.ErrOutOfRange) {
				fmt.Print("\rat software limit\r\n")
			} else {
				fmt.Printf("\rmove failed: %v\r\n", err)
			}
			continue
		}
		printPosition(nav)
	}
}

func printPosition(nav *navigation.Controller) {
	pos := nav.Position()
	fmt.Printf("\rX %9.4f  Y %9.4f  Z %8.4f  theta %8.3f\r\n", pos.X, pos.Y, pos.Z, pos.Theta)
}
