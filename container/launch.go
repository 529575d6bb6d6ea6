// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/bureau-foundation/layerrun/lib/cgroup"
	"github.com/bureau-foundation/layerrun/lib/fdforward"
	"github.com/bureau-foundation/layerrun/lib/privilege"
)

const (
	// tmpMount is a tmpfs inside the container holding the entry helper
	// and the host's /proc. The helper unmounts it before the payload
	// runs.
	tmpMount          = "/__layerrun_tmp__"
	entryInContainer  = tmpMount + "/entry"
	outerProcInTmp    = tmpMount + "/outerproc"
	systemdPath       = "/usr/lib/systemd/systemd"
	dbusSocket        = "/run/dbus/system_bus_socket"
	dbusPollInterval  = 50 * time.Millisecond
	stopGrace         = 5 * time.Second
	waitDelay         = 5 * time.Second
	handshakeExitWait = time.Second
)

// State is a step of a container run.
type State int

const (
	StateIdle State = iota
	StateSettingUp
	StateLaunching
	StateAwaitingHandshake
	StateRunning
	StateShuttingDown
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSettingUp:
		return "setting-up"
	case StateLaunching:
		return "launching"
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateDone:
		return "done"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

func logState(logger *slog.Logger, state State, args ...any) {
	logger.Debug("container state", append([]any{"state", state.String()}, args...)...)
}

// Launched is a running container whose first process is known.
type Launched struct {
	Setup *Setup

	// PID is the host PID of the entry helper (non-booted) or systemd
	// (booted).
	PID int

	// Console is the systemd-nspawn process.
	Console *Process

	booted  bool
	outcome *Outcome

	startedInit sync.Once
	startedMark sync.Once
	started     chan struct{}
}

// Booted reports whether systemd runs as the container's PID 1.
func (l *Launched) Booted() bool { return l.booted }

func (l *Launched) startedChan() chan struct{} {
	l.startedInit.Do(func() { l.started = make(chan struct{}) })
	return l.started
}

// CommandStarted is closed once the user command has been started and
// holds its own copies of Options.ForwardFiles. Plugins close their
// ends of forwarded pipes then, so they see EOF if the command dies.
func (l *Launched) CommandStarted() <-chan struct{} { return l.startedChan() }

// MarkCommandStarted closes CommandStarted. RunCommand calls it; a body
// that starts the command some other way (with CommandArgs) must too.
func (l *Launched) MarkCommandStarted() {
	l.startedMark.Do(func() { close(l.startedChan()) })
}

// launch dispatches on the boot mode.
func launch(ctx context.Context, setup *Setup, body func(*Launched) error) error {
	logState(setup.Logger, StateLaunching, "boot", setup.Options.Boot)
	if setup.Options.Boot {
		return launchBooted(ctx, setup, body)
	}
	return launchNonBooted(ctx, setup, body)
}

// entryArgs mounts the entry helper and the host's /proc into the
// container under tmpMount.
func entryArgs(setup *Setup) []string {
	return []string{
		"--tmpfs=" + tmpMount + ":mode=0755",
		BindArg(setup.Tools.Entry, entryInContainer, true),
		BindArg("/proc", outerProcInTmp, true),
	}
}

// consoleArg picks the console mode. A console shown on the caller's
// terminal gets a pseudo TTY; anything redirected gets plain pipes.
func consoleArg(streams IO) string {
	if streams.Console.Kind == RedirectInherit && term.IsTerminal(int(os.Stderr.Fd())) {
		return "--console=read-only"
	}
	return "--console=pipe"
}

// startPrivileged starts argv as root with files at descriptors 3, 4,
// ... in order. LISTEN_FDS is exported when setListenFDs is set, which
// systemd-nspawn needs to pass descriptors on to the container.
func startPrivileged(ctx context.Context, setup *Setup, argv []string, files []*os.File, setListenFDs bool, configure func(*exec.Cmd)) (*Process, error) {
	if len(files) == 0 {
		wrapped := setup.Privilege.Wrap(argv...)
		cmd := exec.Command(wrapped[0], wrapped[1:]...)
		cmd.Env = privilege.Environ()
		configure(cmd)
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting %s: %w", argv[0], err)
		}
		return Watch(cmd), nil
	}
	cmd, err := fdforward.Start(ctx, files, argv, fdforward.Options{
		Receiver:     setup.Tools.RecvFDs,
		SetListenFDs: setListenFDs,
		Escalator:    setup.Privilege,
		Timeout:      setup.ForwardTimeout,
		Logger:       setup.Logger,
	}, configure)
	if err != nil {
		return nil, err
	}
	return Watch(cmd), nil
}

// consoleOutput wires the systemd-nspawn process's stdout and stderr.
type consoleOutput struct {
	sink   sink
	reader *os.File
	writer *os.File
	copied chan struct{}
}

func newConsoleOutput(redirect Redirect) (*consoleOutput, error) {
	output := &consoleOutput{sink: redirect.resolve(os.Stderr)}
	if output.sink.pipe {
		reader, writer, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating console pipe: %w", err)
		}
		output.reader, output.writer = reader, writer
	}
	return output, nil
}

func (c *consoleOutput) configure(cmd *exec.Cmd) {
	if c.writer != nil {
		cmd.Stdout = c.writer
		cmd.Stderr = c.writer
		return
	}
	cmd.Stdout = c.sink.writer
	cmd.Stderr = c.sink.writer
}

// started closes the parent's write end and, for a piped console,
// starts draining it. systemd blocks on a full console pipe, and a
// blocked systemd never finishes shutting down.
func (c *consoleOutput) started() {
	if c.writer == nil {
		return
	}
	closeFile(&c.writer)
	c.copied = make(chan struct{})
	go func() {
		defer close(c.copied)
		_, _ = io.Copy(c.sink.buffer, c.reader)
	}()
}

// finish waits for the drain to see EOF and returns captured output.
func (c *consoleOutput) finish() []byte {
	if c.copied != nil {
		<-c.copied
	}
	closeFile(&c.reader)
	closeFile(&c.writer)
	return c.sink.bytes()
}

// startConsole starts systemd-nspawn with argv and files forwarded.
func startConsole(ctx context.Context, setup *Setup, argv []string, files []*os.File, console *consoleOutput) (*Process, error) {
	process, err := startPrivileged(ctx, setup, argv, files, true, func(cmd *exec.Cmd) {
		console.configure(cmd)
		cmd.Env = setup.NspawnEnv
		cmd.WaitDelay = waitDelay
	})
	if err != nil {
		return nil, &LaunchError{ExitCode: -1, Err: err}
	}
	console.started()
	setup.Logger.Debug("started systemd-nspawn", "pid", process.Pid())
	return process, nil
}

// awaitHandshake reads the container's PID. When the console process
// exited first, the failure is a *LaunchError carrying its code.
func awaitHandshake(ctx context.Context, setup *Setup, exfil *Exfiltrator, console *Process) (int, error) {
	logState(setup.Logger, StateAwaitingHandshake)
	pid, err := exfil.ReadPID(ctx)
	if err == nil {
		return pid, nil
	}
	select {
	case <-console.Done():
		code, _ := console.Wait(context.Background())
		return 0, &LaunchError{ExitCode: code, Err: err}
	case <-setup.Clock.After(handshakeExitWait):
		return 0, err
	}
}

// stopProcess asks process to terminate, then kills it after a grace
// period, and waits for it to be reaped. SIGTERM is what an escalation
// wrapper relays to its child.
func stopProcess(setup *Setup, process *Process) {
	if process.Exited() {
		return
	}
	_ = process.Signal(syscall.SIGTERM)
	select {
	case <-process.Done():
		return
	case <-setup.Clock.After(stopGrace):
	}
	setup.Logger.Warn("process ignored SIGTERM, killing", "pid", process.Pid())
	_ = process.Kill()
	<-process.Done()
}

// CommandArgs returns the argv that runs the user command inside the
// running container. It joins the cgroup of the container's first
// process, clears the environment down to a curated default plus
// CmdEnv, and enters every namespace of that process as the
// configured user. In booted mode it also adopts systemd's capability
// sets, which nsenter alone would not drop.
func (l *Launched) CommandArgs() ([]string, error) {
	setup := l.Setup
	opts := setup.Options
	pid := strconv.Itoa(l.PID)

	target, err := cgroup.PathOf(l.PID)
	if err != nil {
		return nil, err
	}

	argv := []string{
		"env", "-",
		"HOME=" + opts.User.Home,
		"LOGNAME=" + opts.User.Name,
		"PATH=" + DefaultPath,
		"USER=" + opts.User.Name,
	}
	if value, ok := lookupEnv(setup.Environ, "TERM"); ok {
		argv = append(argv, "TERM="+value)
	}
	argv = append(argv, setup.CmdEnv...)
	argv = append(argv,
		"nsenter",
		"--target="+pid,
		"--all",
		"--setuid="+strconv.Itoa(opts.User.UID),
		"--setgid="+strconv.Itoa(opts.User.GID),
	)
	if opts.Chdir != "" {
		// nsenter opens the directory before entering the namespaces.
		argv = append(argv, "--wd=/proc/"+pid+"/root"+opts.Chdir)
	}
	argv = append(argv, opts.Command...)

	if l.booted {
		argv = append([]string{setup.Tools.Clonecaps, pid, "--"}, argv...)
	}
	return cgroup.JoinArgs(filepath.Join(setup.CgroupMount, target), argv...), nil
}

// RunCommand runs the user command to completion. A non-zero exit is
// reported in the Outcome; the error is reserved for failing to run it.
func (l *Launched) RunCommand(ctx context.Context) (*Outcome, error) {
	setup := l.Setup
	argv, err := l.CommandArgs()
	if err != nil {
		return nil, fmt.Errorf("building command: %w", err)
	}

	stdout := setup.IO.Stdout.resolve(os.Stdout)
	stderr := setup.IO.Stderr.resolve(os.Stderr)
	logState(setup.Logger, StateRunning, "pid", l.PID)
	process, err := startPrivileged(ctx, setup, argv, setup.Options.ForwardFiles, false, func(cmd *exec.Cmd) {
		cmd.Stdin = setup.IO.Stdin
		cmd.Stdout = stdout.writer
		cmd.Stderr = stderr.writer
		cmd.WaitDelay = waitDelay
	})
	if err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}
	l.MarkCommandStarted()

	code, err := process.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			stopProcess(setup, process)
		}
		return nil, fmt.Errorf("running command: %w", err)
	}
	setup.Logger.Debug("command exited", "exit_code", code)
	return &Outcome{ExitCode: code, Stdout: stdout.bytes(), Stderr: stderr.bytes()}, nil
}

// errConsoleExited is reported when the container stops while waiting
// for it to become usable.
var errConsoleExited = errors.New("container exited")
