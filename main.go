package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	ble_linux "github.com/go-ble/ble/linux"
	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/lxndrd/nrfdfu-ble/nrfdfu"
)

type cmdOptions struct {
	Verbose bool          `short:"v" long:"verbose" description:"enable debug logging"`
	Timeout time.Duration `short:"t" long:"timeout" default:"60s" description:"device discovery timeout"`
	PRN     int           `long:"prn" default:"0" description:"chunks between CRC checkpoints, 0 checkpoints at object end"`
	Retries int           `long:"retries" default:"3" description:"retry budget for recoverable transfer failures"`

	Args struct {
		Device  string `positional-arg-name:"device" required:"yes" description:"target MAC address (xx:xx:xx:xx:xx:xx) or advertised name"`
		Command string `positional-arg-name:"command" required:"yes" description:"trigger, app, sd, bl or sdbl"`
		Package string `positional-arg-name:"package" description:"DFU package path (zip)"`
	} `positional-args:"yes"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts cmdOptions
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return errors.New("invalid arguments")
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := ble_linux.NewDevice()
	if err != nil {
		return errors.Wrap(err, "cannot open BLE device")
	}
	ble.SetDefaultDevice(dev)

	switch opts.Args.Command {
	case "trigger":
		return runTrigger(ctx, &opts)
	case "app", "sd", "bl", "sdbl":
		if opts.Args.Package == "" {
			return errors.New("missing DFU package path")
		}
		return runUpdate(ctx, &opts)
	default:
		return errors.Errorf("unknown command %q, try trigger, app, sd, bl or sdbl", opts.Args.Command)
	}
}

func runTrigger(ctx context.Context, opts *cmdOptions) error {
	t, err := connectTransport(opts.Args.Device, opts.Timeout)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := nrfdfu.Trigger(ctx, t); err != nil {
		return err
	}
	color.Green("DFU mode triggered, reconnect to the bootloader to update")
	return nil
}

func runUpdate(ctx context.Context, opts *cmdOptions) error {
	mode, err := nrfdfu.ParseMode(opts.Args.Command)
	if err != nil {
		return err
	}
	pkg, err := nrfdfu.OpenPackage(opts.Args.Package)
	if err != nil {
		return err
	}

	t, err := connectTransport(opts.Args.Device, opts.Timeout)
	if err != nil {
		return err
	}
	defer t.Close()

	start := time.Now()
	session := nrfdfu.NewSession(t,
		nrfdfu.WithPRN(opts.PRN),
		nrfdfu.WithRetries(opts.Retries),
		nrfdfu.WithProgress(printProgress),
	)
	if err := session.Run(ctx, pkg, mode); err != nil {
		return err
	}
	color.Green("DFU completed in %.2f seconds", time.Since(start).Seconds())
	return nil
}

func printProgress(object string, sent, total int) {
	percent := 100
	if total > 0 {
		percent = sent * 100 / total
	}
	fmt.Printf("\r%s: %d%% (%d/%d bytes)", object, percent, sent, total)
	if sent >= total {
		fmt.Println()
	}
}
