// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// RedirectKind selects where an output stream goes.
type RedirectKind int

const (
	// RedirectInherit uses the caller's stream. For the boot console
	// this is the caller's stderr.
	RedirectInherit RedirectKind = iota
	// RedirectDiscard sends output to /dev/null.
	RedirectDiscard
	// RedirectCapture buffers output in memory.
	RedirectCapture
	// RedirectPipe is only valid for the boot console: output is
	// drained by a dedicated goroutine into memory.
	RedirectPipe
	// RedirectFile writes to an open file.
	RedirectFile
	// RedirectWriter copies to an io.Writer.
	RedirectWriter
)

func (k RedirectKind) String() string {
	switch k {
	case RedirectInherit:
		return "inherit"
	case RedirectDiscard:
		return "discard"
	case RedirectCapture:
		return "capture"
	case RedirectPipe:
		return "pipe"
	case RedirectFile:
		return "file"
	case RedirectWriter:
		return "writer"
	default:
		return "unknown"
	}
}

// Redirect describes one output stream.
type Redirect struct {
	Kind   RedirectKind
	File   *os.File
	Writer io.Writer
}

// Inherit returns a redirect to the caller's own stream.
func Inherit() Redirect { return Redirect{Kind: RedirectInherit} }

// Discard returns a redirect to /dev/null.
func Discard() Redirect { return Redirect{Kind: RedirectDiscard} }

// Capture returns a redirect into memory.
func Capture() Redirect { return Redirect{Kind: RedirectCapture} }

// Pipe returns a drained in-memory redirect for the boot console.
func Pipe() Redirect { return Redirect{Kind: RedirectPipe} }

// ToFile returns a redirect into file.
func ToFile(file *os.File) Redirect { return Redirect{Kind: RedirectFile, File: file} }

// ToWriter returns a redirect copying into writer.
func ToWriter(writer io.Writer) Redirect { return Redirect{Kind: RedirectWriter, Writer: writer} }

// IO wires the user command's standard streams and the container
// console. The zero value inherits every stream, with the console going
// to the caller's stderr, and gives the command no stdin. [DefaultIO]
// is what the CLI uses.
type IO struct {
	Stdin   io.Reader
	Stdout  Redirect
	Stderr  Redirect
	Console Redirect
}

// DefaultIO connects the command to the caller's stdio and discards
// the console.
func DefaultIO() IO {
	return IO{Stdin: os.Stdin, Stdout: Inherit(), Stderr: Inherit(), Console: Discard()}
}

// ValidateIO rejects redirect combinations that cannot work, before any
// process is started.
func ValidateIO(opts Options, streams IO) error {
	if streams.Stdout.Kind == RedirectPipe || streams.Stderr.Kind == RedirectPipe {
		return configErrorf("IO", "pipe redirects are only supported for the boot console; use Capture")
	}
	if streams.Console.Kind == RedirectPipe && !opts.Boot {
		return configErrorf("IO.Console", "a piped console requires Boot; the non-booted console carries no output worth draining")
	}
	for name, redirect := range map[string]Redirect{"Stdout": streams.Stdout, "Stderr": streams.Stderr, "Console": streams.Console} {
		if redirect.Kind == RedirectFile && redirect.File == nil {
			return configErrorf("IO."+name, "file redirect without a file")
		}
		if redirect.Kind == RedirectWriter && redirect.Writer == nil {
			return configErrorf("IO."+name, "writer redirect without a writer")
		}
	}
	return nil
}

// sink is a resolved Redirect: what to hand exec.Cmd, plus the buffer
// that collects captured output.
type sink struct {
	writer io.Writer
	buffer *syncBuffer
	pipe   bool
}

// resolve maps r onto an exec.Cmd output. inherit is the stream used for
// RedirectInherit; nil discards.
func (r Redirect) resolve(inherit *os.File) sink {
	switch r.Kind {
	case RedirectInherit:
		if inherit == nil {
			return sink{}
		}
		return sink{writer: inherit}
	case RedirectCapture:
		buffer := &syncBuffer{}
		return sink{writer: buffer, buffer: buffer}
	case RedirectPipe:
		return sink{buffer: &syncBuffer{}, pipe: true}
	case RedirectFile:
		return sink{writer: r.File}
	case RedirectWriter:
		return sink{writer: r.Writer}
	default:
		return sink{}
	}
}

func (s sink) bytes() []byte {
	if s.buffer == nil {
		return nil
	}
	return s.buffer.Bytes()
}

// syncBuffer is a bytes.Buffer safe for one writer goroutine and a
// concurrent reader.
type syncBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buffer.Bytes())
}

// ConsoleStatus is the result of the systemd-nspawn process itself in
// booted mode.
type ConsoleStatus struct {
	ExitCode int
	Output   []byte
}

// Outcome is the result of a container run.
type Outcome struct {
	// ExitCode is the user command's exit status. A command killed by a
	// signal reports 128 plus the signal number.
	ExitCode int

	// Stdout and Stderr hold captured output, if requested.
	Stdout []byte
	Stderr []byte

	// Console is set in booted mode only.
	Console *ConsoleStatus
}

// Err returns an *ExitError for a non-zero ExitCode, nil otherwise.
func (o *Outcome) Err() error {
	if o.ExitCode == 0 {
		return nil
	}
	return &ExitError{Code: o.ExitCode}
}
