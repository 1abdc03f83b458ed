package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	eeprom "github.com/dc138/eeprom-uploader"
	"github.com/dc138/eeprom-uploader/sim"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"periph.io/x/conn/v3/gpio"
)

var bridgeSim bool

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the controller side of the link",
	Long: `Run the programmer bridge on a board with GPIO access, serving hosts on --port.

The controller announces itself once, when the bridge starts, and a host only
begins a session after that announcement. Anything sent before the host opened
its port is discarded, so start the host first and the bridge second:

  eeprog --port /dev/ttyUSB0 --send image.bin    (waits for the controller)
  eeprog bridge --port /dev/ttyAMA0

Each host session therefore needs a fresh bridge start, as the board needs a
reset. A desynchronized session halts the bridge until it is restarted, as
there is no way to resynchronize the link. A GPIO failure stops it.

With --sim the chips are simulated, which is useful to test a host setup.`,
	Args: noArgs,
	RunE: runBridge,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := eeprom.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			log.Infof("no serial ports found")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Print the profile in use as YAML",
	Long: `Print the profile in use as YAML. Without --profile this is the default
profile, which can be saved and edited to describe another board.`,
	Args: noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		applyFlags(&p)
		return p.Dump(os.Stdout)
	},
}

func init() {
	bridgeCmd.Flags().BoolVar(&bridgeSim, "sim", false, "Use simulated chips instead of GPIO")
	rootCmd.AddCommand(bridgeCmd, portsCmd, profileCmd)
}

// simPins returns the pin names of a simulated board.
func simPins() eeprom.PinProfile {
	data := make([]string, 8)
	for i := range data {
		data[i] = sim.Data(i)
	}
	return eeprom.PinProfile{
		Clock:      sim.Clock,
		Next:       sim.Next,
		HighWrite:  sim.HighWrite,
		HighOutput: sim.HighOutput,
		HighEnable: sim.HighEnable,
		LowWrite:   sim.LowWrite,
		LowOutput:  sim.LowOutput,
		LowEnable:  sim.LowEnable,
		Data:       data,
	}
}

func openEngine(p eeprom.Profile) (*eeprom.Engine, error) {
	var (
		pins eeprom.Pins
		err  error
	)
	if bridgeSim {
		board := sim.NewBoard()
		pins, err = simPins().Resolve(func(name string) gpio.PinIO { return board.ByName(name) })
	} else {
		pins, err = eeprom.OpenPins(p.Pins)
	}
	if err != nil {
		return nil, err
	}
	return eeprom.NewEngine(pins, p.Timing)
}

func runBridge(cmd *cobra.Command, args []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}
	applyFlags(&p)
	if p.Link.Port == "" {
		return &usageError{errors.New("--port must be specified")}
	}

	engine, err := openEngine(p)
	if err != nil {
		return err
	}
	if err := engine.Init(); err != nil {
		return err
	}

	link, err := eeprom.OpenSerialLink(p.Link.Port, p.Link.Baud, p.Link.ReadTimeout)
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	closeOnCancel(ctx, link)

	log.Infof("bridge running on %v", p.Link.Port)
	err = eeprom.RunController(ctx, link, eeprom.NewController(engine))
	if errors.Is(err, eeprom.ErrPanicked) {
		log.Errorf("controller halted, restart the bridge to continue")
		<-ctx.Done()
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// getPassword reads the WebSocket password from EEPROG_PASSWORD, from the
// terminal without echo, or as a line of piped input.
func getPassword() (string, error) {
	if pw, ok := os.LookupEnv("EEPROG_PASSWORD"); ok {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readPasswordLine(os.Stdin)
	}
	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)
	pw, err := term.ReadPassword(fd)
	if err != nil {
		return "", errors.Wrap(err, "failed to read password")
	}
	return string(pw), nil
}

func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", errors.Wrap(err, "failed to read password")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
