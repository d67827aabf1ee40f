// Command mbloader is the CLI front end for the bootload engine: it
// wires flags (and an optional mbloader.yaml) to a target/space
// selection and a transport, drives bootload.Engine.Start, prints
// status/progress to stderr, and exits with the codes spec.md §6
// specifies: 0 success, 1 any failure, -1 transport open failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"github.com/csllc/mb-loader/internal/bootload"
	"github.com/csllc/mb-loader/internal/config"
	"github.com/csllc/mb-loader/internal/discovery"
	"github.com/csllc/mb-loader/internal/logging"
	"github.com/csllc/mb-loader/internal/target"
	"github.com/csllc/mb-loader/internal/transport"
	"github.com/csllc/mb-loader/internal/transport/gpioreset"
	"github.com/csllc/mb-loader/internal/transport/serial"
	"github.com/csllc/mb-loader/internal/transport/tcp"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("mbloader", pflag.ContinueOnError)

	device := flags.StringP("device", "d", "", "serial device path, e.g. /dev/ttyUSB0")
	tcpAddr := flags.String("tcp", "", "connect over TCP to host:port instead of a serial device")
	baud := flags.Int("baud", 115200, "serial baud rate")
	targetName := flags.StringP("target", "t", "", "target profile name (see --list-targets)")
	spaceName := flags.StringP("space", "s", "", "space name within the target profile")
	hexFile := flags.StringP("hex-file", "f", "", "path to the Intel HEX image")
	configPath := flags.String("config", "", "path to mbloader.yaml (default: search well-known locations)")
	transcriptDir := flags.String("transcript-dir", "", "directory to append a CSV session transcript (disabled if empty)")
	listDevices := flags.Bool("list-devices", false, "enumerate candidate serial devices and exit")
	listTargets := flags.Bool("list-targets", false, "list built-in target profile names and exit")
	resetChip := flags.String("reset-chip", "", "GPIO chip to pulse for board reset before connecting (e.g. gpiochip0)")
	resetLine := flags.Int("reset-line", -1, "GPIO line offset to pulse for board reset")
	dryRun := flags.Bool("dry-run", false, "check the target profile, space and HEX file path, then exit without opening a transport (the HEX contents are not parsed)")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	log := logging.New(os.Stderr)

	if *listTargets {
		for _, name := range target.Names() {
			fmt.Println(name)
		}
		return 0
	}

	if *listDevices {
		devices, err := discovery.List()
		if err != nil {
			log.Error("device discovery failed", "err", err)
			return 1
		}
		for _, d := range devices {
			fmt.Printf("%s\tvendor=%s product=%s serial=%s\n", d.Path, d.VendorID, d.ProductID, d.Serial)
		}
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "err", err)
		return 1
	}
	applyConfigDefaults(cfg, device, baud, targetName, spaceName, hexFile, transcriptDir)

	if *targetName == "" || *hexFile == "" {
		fmt.Fprintln(os.Stderr, "mbloader: --target and --hex-file are required (or set them in mbloader.yaml)")
		flags.PrintDefaults()
		return 1
	}

	tc, err := target.Lookup(*targetName)
	if err != nil {
		log.Error("unknown target profile", "err", err)
		return 1
	}

	spaceIndex := 0
	if *spaceName != "" {
		spaceIndex, err = tc.SpaceIndexByName(*spaceName)
		if err != nil {
			log.Error("unknown space", "err", err)
			return 1
		}
	}

	if *dryRun {
		if _, err := tc.Space(spaceIndex); err != nil {
			log.Error("target validation failed", "err", err)
			return 1
		}
		if _, err := os.Stat(*hexFile); err != nil {
			log.Error("hex file not readable", "err", err)
			return 1
		}
		fmt.Println("mbloader: dry run OK")
		return 0
	}

	if *resetChip != "" && *resetLine >= 0 {
		if err := gpioreset.Pulse(gpioreset.Config{
			Chip:        *resetChip,
			Line:        *resetLine,
			AssertFor:   200 * time.Millisecond,
			SettleAfter: 500 * time.Millisecond,
		}); err != nil {
			log.Error("board reset failed", "err", err)
			return -1
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	tr, closeFn, err := openTransport(ctx, *device, *baud, *tcpAddr)
	if err != nil {
		log.Error("transport open failed", "err", err)
		return -1
	}
	defer closeFn()

	var transcript *logging.Transcript
	if *transcriptDir != "" {
		transcript, err = logging.OpenTranscript(*transcriptDir, cfg.Transcript.Pattern, time.Now())
		if err != nil {
			log.Error("transcript open failed", "err", err)
			return 1
		}
		defer transcript.Close()
	}

	phaseStart := time.Now()
	sink := bootload.FuncSink{
		OnStatus: func(s string) {
			log.Info(s)
			if transcript != nil {
				now := time.Now()
				transcript.Record(now, "status", s, now.Sub(phaseStart))
				phaseStart = now
			}
		},
		OnProgress: func(p int) {
			log.Debug("progress", "percent", p)
		},
	}

	engine := &bootload.Engine{Transport: tr, Target: tc, Events: sink}
	sess, err := engine.Start(ctx, bootload.PathSource(*hexFile), spaceIndex)
	if err != nil {
		log.Error("bootload start failed", "err", err)
		return 1
	}

	// signal.NotifyContext already cancels ctx on SIGINT, which
	// commands issued from the session's own goroutine notice on
	// their own; this goroutine additionally calls Abort directly so
	// Ctrl+C is acted on even if the session is between commands
	// (e.g. waiting out SelectDelayMS) rather than blocked inside one.
	go func() {
		<-ctx.Done()
		sess.Abort()
	}()

	result, err := sess.Wait()
	if err != nil {
		log.Error("bootload failed", "state", result.State, "err", err)
		return 1
	}

	log.Info("bootload complete", "blocks", result.BlocksDone, "crc", fmt.Sprintf("%#04x", result.DeviceCRC))
	return 0
}

func applyConfigDefaults(cfg config.File, device *string, baud *int, targetName, spaceName, hexFile, transcriptDir *string) {
	if *device == "" {
		*device = cfg.Device
	}
	if *baud == 115200 && cfg.Baud != 0 {
		*baud = cfg.Baud
	}
	if *targetName == "" {
		*targetName = cfg.Target
	}
	if *spaceName == "" {
		*spaceName = cfg.Space
	}
	if *hexFile == "" {
		*hexFile = cfg.HexFile
	}
	if *transcriptDir == "" {
		*transcriptDir = cfg.Transcript.Dir
	}
}

func openTransport(ctx context.Context, device string, baud int, tcpAddr string) (transport.Transport, func() error, error) {
	if tcpAddr != "" {
		tr, err := tcp.Dial(ctx, tcpAddr)
		if err != nil {
			return nil, nil, err
		}
		return tr, tr.Close, nil
	}

	if device == "" {
		return nil, nil, fmt.Errorf("mbloader: neither --device nor --tcp was given")
	}

	tr, err := serial.Open(device, baud)
	if err != nil {
		return nil, nil, err
	}
	return tr, tr.Close, nil
}
