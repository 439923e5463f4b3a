// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/boguslaw-wojcik/crc32a"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/riclolsen/go-wbms/wbms"
)

// Exit codes
const (
	exitError       = 1
	exitFailed      = 2
	exitPartial     = 3
	exitInterrupted = 130
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration file",
		Value:   "wbmsctl.yaml",
		EnvVars: []string{"WBMSCTL_CONFIG"},
	}
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "Log protocol traffic",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Write logs to this file instead of stderr",
	}
	targetFlag = &cli.StringFlag{
		Name:    "target",
		Aliases: []string{"t"},
		Usage:   "Devices: all, managers, mgrA, mgrB or node ids (0,3,5)",
		Value:   "all",
	}
	fileTypeFlag = &cli.StringFlag{
		Name:  "type",
		Usage: "File type: firmware, config, container",
		Value: "firmware",
	}
)

func globalFlags() []cli.Flag {
	return []cli.Flag{configFlag, verboseFlag, logFileFlag}
}

// LoadFileCommand returns the loadfile command.
func LoadFileCommand() *cli.Command {
	return &cli.Command{
		Name:  "loadfile",
		Usage: "Transfer a file to devices over the air",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "Local path or s3://bucket/key of the file",
				Required: true,
			},
			fileTypeFlag,
			targetFlag,
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write a msgpack transfer report to this path",
			},
			&cli.BoolFlag{
				Name:  "tui",
				Usage: "Show live transfer progress",
			},
		},
		Action: loadFileAction,
	}
}

// ResetCommand returns the reset command.
func ResetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Reset devices",
		Flags: []cli.Flag{targetFlag},
		Action: genericAction("Reset", func(p *wbms.Pack, c *cli.Context, target wbms.DeviceMask) error {
			return p.ResetDevice(target)
		}),
	}
}

// CRCCommand returns the crc command.
func CRCCommand() *cli.Command {
	return &cli.Command{
		Name:  "crc",
		Usage: "Read the CRC of a stored file",
		Flags: []cli.Flag{targetFlag, fileTypeFlag},
		Action: genericAction("File CRC", func(p *wbms.Pack, c *cli.Context, target wbms.DeviceMask) error {
			ft, err := wbms.ParseFileType(c.String("type"))
			if err != nil {
				return err
			}
			return p.GetFileCRC(target, ft)
		}),
	}
}

// ReportCommand returns the report command.
func ReportCommand() *cli.Command {
	return &cli.Command{
		Name:      "report",
		Usage:     "Show a saved transfer report",
		ArgsUsage: "<report.msgpack>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("report requires exactly one file argument", exitError)
			}
			rep, err := readReport(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), exitError)
			}
			fmt.Fprintln(c.App.Writer, renderReport(rep))
			return nil
		},
	}
}

// VersionCommand returns the version command.
func VersionCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "wbmsctl %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

// newLogger builds the CLI logger: console output on stderr, or JSON lines
// when a log file is given.
func newLogger(c *cli.Context, quiet bool) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if c.Bool("verbose") {
		level = zapcore.DebugLevel
	}
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		NameKey:     "logger",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		EncodeName:  zapcore.FullNameEncoder,
	}

	var w io.Writer = os.Stderr
	encoder := zapcore.NewConsoleEncoder(encoderConfig)
	closeFn := func() {}
	if path := c.String("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		encoder = zapcore.NewJSONEncoder(encoderConfig)
		closeFn = func() { f.Close() }
	} else if quiet {
		return zap.NewNop(), closeFn, nil
	}

	logger := zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), level))
	return logger, func() {
		_ = logger.Sync()
		closeFn()
	}, nil
}

// session holds what every command needs to talk to the pack.
type session struct {
	runner  *runner
	ctx     context.Context
	cleanup func()
}

func openSession(c *cli.Context, cfg *fileConfig, quiet bool) (*session, error) {
	logger, closeLog, err := newLogger(c, quiet)
	if err != nil {
		return nil, err
	}
	r, err := newRunner(cfg, logger, c.Bool("verbose"))
	if err != nil {
		closeLog()
		return nil, err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	return &session{
		runner: r,
		ctx:    ctx,
		cleanup: func() {
			stop()
			r.Close()
			closeLog()
		},
	}, nil
}

func loadFileAction(c *cli.Context) error {
	fileType, err := wbms.ParseFileType(c.String("type"))
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	target, err := parseTarget(c.String("target"))
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	data, err := loadImage(c.Context, c.String("image"), cfg.S3)
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}

	s, err := openSession(c, cfg, c.Bool("tui"))
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	defer s.cleanup()

	rep := &transferReport{
		Image:    c.String("image"),
		FileType: fileType.String(),
		Size:     len(data),
		CRC:      crc32a.Checksum(data),
		Target:   target.String(),
		Started:  time.Now(),
	}
	start := func(p *wbms.Pack) error {
		return p.LoadFile(target, fileType, data)
	}

	var comp wbms.Completion
	if c.Bool("tui") {
		comp, err = runWithTUI(s.ctx, s.runner, rep.Image, start)
	} else {
		comp, err = s.runner.run(s.ctx, start, nil)
	}
	if err != nil {
		return runError(err)
	}

	rep.Result = comp.Result.String()
	rep.Active = comp.ActiveMask.String()
	rep.Removed = removedDevices(s.runner.removed)
	rep.Elapsed = time.Since(rep.Started)
	rep.Stats = s.runner.pack.Stats().LoadFile
	if path := c.String("report"); path != "" {
		if err := writeReport(path, rep); err != nil {
			return cli.Exit(err.Error(), exitError)
		}
	}
	fmt.Fprintln(c.App.Writer, renderReport(rep))
	return exitFor(comp)
}

type genericStart func(p *wbms.Pack, c *cli.Context, target wbms.DeviceMask) error

func genericAction(title string, start genericStart) cli.ActionFunc {
	return func(c *cli.Context) error {
		target, err := parseTarget(c.String("target"))
		if err != nil {
			return cli.Exit(err.Error(), exitError)
		}
		cfg, err := loadConfig(c.String("config"))
		if err != nil {
			return cli.Exit(err.Error(), exitError)
		}
		s, err := openSession(c, cfg, false)
		if err != nil {
			return cli.Exit(err.Error(), exitError)
		}
		defer s.cleanup()

		comp, err := s.runner.run(s.ctx, func(p *wbms.Pack) error {
			return start(p, c, target)
		}, nil)
		if err != nil {
			return runError(err)
		}
		fmt.Fprintln(c.App.Writer, renderCompletion(title, comp.Result.String(), comp.ActiveMask.String(), comp.CRCs))
		return exitFor(comp)
	}
}

// runWithTUI drives the operation while a Bubble Tea program shows progress.
func runWithTUI(ctx context.Context, r *runner, image string, start func(*wbms.Pack) error) (wbms.Completion, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prog := tea.NewProgram(newTransferModel(image, cancel))
	r.onEvent = func(e wbms.Event) {
		if e.Type == wbms.EventDeviceRemoved {
			prog.Send(removedMsg(e))
		}
	}
	defer func() { r.onEvent = nil }()

	done := make(chan finishedMsg, 1)
	go func() {
		var last progressMsg
		c, err := r.run(ctx, start, func(p *wbms.Pack) {
			d, t := p.TransferProgress()
			msg := progressMsg{state: p.TransferState(), done: d, total: t}
			if msg != last {
				last = msg
				prog.Send(msg)
			}
		})
		res := finishedMsg{completion: c, err: err}
		done <- res
		prog.Send(res)
	}()

	if _, err := prog.Run(); err != nil {
		cancel()
		<-done
		return wbms.Completion{}, err
	}
	res := <-done
	return res.completion, res.err
}

func runError(err error) error {
	if errors.Is(err, context.Canceled) {
		return cli.Exit(errInterrupted.Error(), exitInterrupted)
	}
	return cli.Exit(err.Error(), exitFailed)
}

// exitFor maps a completion to the process exit status.
func exitFor(c wbms.Completion) error {
	switch c.Result {
	case wbms.Success:
		return nil
	case wbms.PartialSuccess:
		return cli.Exit("", exitPartial)
	}
	return cli.Exit(c.Err().Error(), exitFailed)
}
