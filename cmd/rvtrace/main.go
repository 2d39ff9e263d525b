// Command rvtrace is a standalone front end for the tracer: it wires a
// kernel interface backed by real host memory, lets probes be registered
// from the command line, and launches the interactive inspector.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"rvtrace/handler"
	"rvtrace/hostmem"
	"rvtrace/inspector"
	"rvtrace/kernelapi"
	"rvtrace/kprobe"
	"rvtrace/probe"
	"rvtrace/uprobe"
)

func runInspector(sess *session) error {
	return inspector.Run(sess.directory, sess.kprobes)
}

var log = logrus.New()

type session struct {
	kernel    *kernelapi.Registry
	allocator *hostmem.Allocator
	code      *hostmem.Region
	directory *uprobe.Directory
	kprobes   *kprobe.Table
	execPath  string
}

func newSession(execPath string) (*session, error) {
	code, err := hostmem.Map(64 * 1024)
	if err != nil {
		return nil, fmt.Errorf("rvtrace: mapping traced code region: %w", err)
	}
	allocator := hostmem.NewAllocator()

	kernel := kernelapi.New()
	kernel.Initialize(
		func() string { return execPath },
		allocator.Allocate,
	)

	return &session{
		kernel:    kernel,
		allocator: allocator,
		code:      code,
		directory: uprobe.NewDirectory(kernel, code, logrus.NewEntry(log)),
		kprobes:   kprobe.NewTable(code, allocator.Allocate, logrus.NewEntry(log)),
		execPath:  execPath,
	}, nil
}

func (s *session) Close() {
	s.allocator.Close()
	s.code.Close()
}

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

func parseKind(s string) (probe.Kind, error) {
	switch s {
	case "instruction", "":
		return probe.KindInstruction, nil
	case "function":
		return probe.KindSyncFunction, nil
	default:
		return 0, fmt.Errorf("unknown probe kind %q", s)
	}
}

func loggingHandler(label string) *handler.Handler {
	return handler.New(func(cx *handler.Context) {
		log.WithFields(logrus.Fields{
			"pc": fmt.Sprintf("%#x", cx.PC),
			"sp": fmt.Sprintf("%#x", cx.SP),
		}).Info(label)
	})
}

func registerCommand(c *cli.Context) error {
	execPath := c.String("path")
	addr, err := parseAddr(c.String("addr"))
	if err != nil {
		return fmt.Errorf("invalid --addr: %w", err)
	}
	kind, err := parseKind(c.String("kind"))
	if err != nil {
		return err
	}

	sess, err := newSession(execPath)
	if err != nil {
		return err
	}
	defer sess.Close()

	pre := loggingHandler(fmt.Sprintf("probe hit: %s@%#x", execPath, addr))
	post := loggingHandler(fmt.Sprintf("probe returned: %s@%#x", execPath, addr))

	if c.Bool("kernel") {
		if err := sess.kprobes.Register(addr, pre, post, kind); err != nil {
			return fmt.Errorf("rvtrace: registering kernel probe: %w", err)
		}
	} else {
		if err := sess.directory.Register(execPath, addr, pre, post, kind); err != nil {
			return fmt.Errorf("rvtrace: registering probe: %w", err)
		}
	}

	log.Infof("registered %s probe at %#x in %s", kind, addr, execPath)
	return nil
}

func inspectCommand(c *cli.Context) error {
	execPath := c.String("path")
	sess, err := newSession(execPath)
	if err != nil {
		return err
	}
	defer sess.Close()

	return runInspector(sess)
}

func main() {
	app := &cli.App{
		Name:    "rvtrace",
		Usage:   "register and inspect RISC-V uprobes and kprobes",
		Version: "v0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "path",
				Usage: "path of the executable being traced",
				Value: "/bin/traced",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "register",
				Usage: "register a probe",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "address to probe, e.g. 0x10400", Required: true},
					&cli.StringFlag{Name: "kind", Usage: "instruction or function", Value: "instruction"},
					&cli.BoolFlag{Name: "kernel", Usage: "register as a kernel probe instead of a uprobe"},
				},
				Action: registerCommand,
			},
			{
				Name:   "inspect",
				Usage:  "launch the interactive probe-table inspector",
				Action: inspectCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
