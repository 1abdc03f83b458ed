package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	eeprom "github.com/dc138/eeprom-uploader"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const appVersion = "0.3.0"

// Exit codes.
const (
	exitUsage           = 1
	exitVersionMismatch = 2
	exitSession         = 3
	exitPortOpen        = 4
	exitUnknownPacket   = 5
	exitModeConflict    = 6
	exitDirection       = 7
	exitImage           = 8
	exitWriteErrors     = 9
)

var (
	portName    string
	baudRate    int
	wsURL       string
	wsUsername  string
	wsNoSSL     bool
	profileFile string
	verbose     bool

	sendFile    string
	receiveFile string
	highOnly    bool
	lowOnly     bool
	force       bool
)

type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

// writeErrorsError reports a write session that completed with unverified bytes.
type writeErrorsError struct {
	count int
}

func (e *writeErrorsError) Error() string {
	return fmt.Sprintf("controller failed to verify %v bytes", e.count)
}

var rootCmd = &cobra.Command{
	Use:   "eeprog",
	Short: "Very Simple Architecture EEPROM Programmer",
	Long: `eeprog writes and reads pairs of parallel EEPROMs through a programmer bridge.

Write an image:   eeprog --port /dev/ttyUSB0 --send image.bin
Read the chips:   eeprog --port /dev/ttyUSB0 --receive dump.bin

Dual-byte images hold the high byte then the low byte of each of the 256
addresses (512 bytes). With --high or --low only that chip is used and images
are 256 bytes. Files ending in .hex are read and written as Intel HEX.

Exit codes:
  1 - invalid arguments
  2 - protocol version mismatch
  3 - session failed or was aborted by the controller
  4 - failed to open the port
  5 - unknown packet received
  6 - --high and --low both given
  7 - --send and --receive both given
  8 - missing image, wrong image size or existing output file
  9 - write completed with verification errors`,
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          noArgs,
	RunE:          runSession,
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return &usageError{errors.Errorf("unexpected argument %q", args[0])}
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "Baud rate, defaults to the profile's")
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL of a network serial adapter (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSL, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
	rootCmd.PersistentFlags().StringVar(&profileFile, "profile", "", "Profile YAML file, see 'eeprog profile'")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.Flags().StringVarP(&sendFile, "send", "s", "", "Image file to write")
	rootCmd.Flags().StringVarP(&receiveFile, "receive", "r", "", "File to read the chips into")
	rootCmd.Flags().BoolVarP(&highOnly, "high", "H", false, "Use the high byte chip only")
	rootCmd.Flags().BoolVarP(&lowOnly, "low", "L", false, "Use the low byte chip only")
	rootCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite the receive file")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err}
	})
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		setupLogging(verbose)
	}
}

func loadProfile() (eeprom.Profile, error) {
	if profileFile == "" {
		return eeprom.DefaultProfile(), nil
	}
	f, err := os.Open(profileFile)
	if err != nil {
		return eeprom.Profile{}, &usageError{errors.Wrap(err, "failed to open profile file")}
	}
	defer f.Close()
	p, err := eeprom.LoadProfile(f)
	if err != nil {
		return p, &usageError{err}
	}
	return p, nil
}

func applyFlags(p *eeprom.Profile) {
	if portName != "" {
		p.Link.Port = portName
	}
	if baudRate != 0 {
		p.Link.Baud = baudRate
	}
}

// openHostLink opens the link to the bridge, over WebSocket when --url is set.
func openHostLink(p eeprom.Profile) (*eeprom.Link, error) {
	var (
		link *eeprom.Link
		err  error
	)
	switch {
	case wsURL != "":
		password := ""
		if wsUsername != "" {
			password, err = getPassword()
			if err != nil {
				return nil, err
			}
		}
		link, err = eeprom.OpenWebSocketLink(wsURL, wsUsername, password, wsNoSSL, p.Link.ReadTimeout)
	case p.Link.Port != "":
		link, err = eeprom.OpenSerialLink(p.Link.Port, p.Link.Baud, p.Link.ReadTimeout)
	default:
		return nil, &usageError{errors.New("either --port or --url must be specified")}
	}
	if err != nil {
		return nil, err
	}
	link.IdleTimeout = p.Link.IdleTimeout
	return link, nil
}

// closeOnCancel unblocks a pending read when the process is interrupted.
func closeOnCancel(ctx context.Context, link *eeprom.Link) {
	go func() {
		<-ctx.Done()
		link.Close()
	}()
}

func runSession(cmd *cobra.Command, args []string) error {
	m, err := eeprom.ParseMode(highOnly, lowOnly)
	if err != nil {
		return err
	}
	if sendFile != "" && receiveFile != "" {
		return eeprom.ErrDirectionConflict
	}
	p, err := loadProfile()
	if err != nil {
		return err
	}
	applyFlags(&p)

	// Check the files before touching the port.
	var block *eeprom.Block
	switch {
	case sendFile != "":
		if block, err = eeprom.LoadImage(sendFile, m); err != nil {
			return err
		}
	case receiveFile != "":
		if err := eeprom.CheckOutput(receiveFile, force); err != nil {
			return err
		}
	}

	log.Infof("using version %#x", eeprom.ProtocolVersion)
	link, err := openHostLink(p)
	if err != nil {
		return err
	}
	log.Infof("waiting for controller")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	closeOnCancel(ctx, link)

	switch {
	case sendFile != "":
		errs, err := eeprom.Program(ctx, link, m, block)
		if err != nil {
			return err
		}
		log.Infof("controller wrote %v with %v errors", sendFile, errs)
		if errs > 0 {
			return &writeErrorsError{count: errs}
		}
	case receiveFile != "":
		b, err := eeprom.Dump(ctx, link, m)
		if err != nil {
			return err
		}
		if err := eeprom.SaveImage(receiveFile, b, m, force); err != nil {
			return err
		}
		log.Infof("saved %v", receiveFile)
	default:
		h, err := eeprom.NewHost(eeprom.HostOptions{Mode: m})
		if err != nil {
			return err
		}
		if _, err := eeprom.RunHost(ctx, link, h); err != nil {
			return err
		}
	}
	log.Infof("closed port")
	return nil
}

func exitCode(err error) int {
	var (
		usage   *usageError
		linkErr *eeprom.LinkError
		werrs   *writeErrorsError
	)
	switch {
	case errors.As(err, &usage):
		return exitUsage
	case errors.Is(err, eeprom.ErrVersionMismatch):
		return exitVersionMismatch
	case errors.As(err, &linkErr) && linkErr.Op == "open":
		return exitPortOpen
	case errors.Is(err, eeprom.ErrUnknownPacket):
		return exitUnknownPacket
	case errors.Is(err, eeprom.ErrModeConflict):
		return exitModeConflict
	case errors.Is(err, eeprom.ErrDirectionConflict):
		return exitDirection
	case errors.Is(err, eeprom.ErrImageSize), errors.Is(err, eeprom.ErrImageExists), errors.Is(err, os.ErrNotExist):
		return exitImage
	case errors.As(err, &werrs):
		return exitWriteErrors
	default:
		return exitSession
	}
}

func main() {
	setupLogging(false)
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(exitCode(err))
	}
}
