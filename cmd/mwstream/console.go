package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/srg/mwstream/internal/groutine"
	"golang.org/x/term"
)

const ctrlC = 0x03

var errInputClosed = errors.New("input closed")

// console serializes keyboard input for prompts and "press any key" waits.
// A single goroutine owns the reader, so an abandoned wait never races a
// later prompt.
type console struct {
	in   io.Reader
	tty  *os.File // set when input is a terminal
	out  *crlfWriter
	once sync.Once
	keys chan byte
}

func newConsole(in io.Reader, out io.Writer) *console {
	c := &console{in: in, out: &crlfWriter{w: out}}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.tty = f
	}
	return c
}

func (c *console) start() {
	c.once.Do(func() {
		c.keys = make(chan byte, 64)
		r := bufio.NewReader(c.in)
		groutine.Go(context.Background(), "console-input", func(context.Context) {
			defer close(c.keys)
			for {
				b, err := r.ReadByte()
				if err != nil {
					return
				}
				c.keys <- b
			}
		})
	})
}

// Printf writes to the console output.
func (c *console) Printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// Println writes a line to the console output.
func (c *console) Println(args ...any) {
	fmt.Fprintln(c.out, args...)
}

// Heading prints a highlighted line.
func (c *console) Heading(format string, args ...any) {
	color.New(color.Bold, color.FgCyan).Fprintf(c.out, format+"\n", args...)
}

// Warn prints a highlighted advisory.
func (c *console) Warn(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(c.out, format+"\n", args...)
}

// WaitKey blocks until a key is pressed or ctx is done. On a terminal the
// input is switched to raw mode for the wait; Ctrl+C then arrives as a byte
// and is reported as context.Canceled. Closed input waits for ctx.
func (c *console) WaitKey(ctx context.Context) error {
	c.start()

	if c.tty != nil {
		fd := int(c.tty.Fd())
		if state, err := term.MakeRaw(fd); err == nil {
			c.out.raw.Store(true)
			defer func() {
				c.out.raw.Store(false)
				_ = term.Restore(fd, state)
			}()

			select {
			case b, ok := <-c.keys:
				if !ok {
					break
				}
				if b == ctrlC {
					return context.Canceled
				}
				return nil
			case <-ctx.Done():
				return context.Cause(ctx)
			}
			<-ctx.Done()
			return context.Cause(ctx)
		}
	}

	// line mode: a key press is a whole line
	for {
		select {
		case b, ok := <-c.keys:
			if !ok {
				<-ctx.Done()
				return context.Cause(ctx)
			}
			if b == '\n' {
				return nil
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Prompt prints label and reads one trimmed line.
func (c *console) Prompt(ctx context.Context, label string) (string, error) {
	c.start()
	c.Printf("%s", label)

	var line strings.Builder
	for {
		select {
		case b, ok := <-c.keys:
			if !ok {
				if line.Len() > 0 {
					return strings.TrimSpace(line.String()), nil
				}
				return "", errInputClosed
			}
			if b == '\n' {
				return strings.TrimSpace(line.String()), nil
			}
			line.WriteByte(b)
		case <-ctx.Done():
			return "", context.Cause(ctx)
		}
	}
}

// crlfWriter translates line feeds while the terminal is in raw mode.
type crlfWriter struct {
	mu  sync.Mutex
	w   io.Writer
	raw atomic.Bool
}

func (w *crlfWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.raw.Load() {
		return w.w.Write(p)
	}
	if _, err := w.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
