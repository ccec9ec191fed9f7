// Package emulator turns the byte stream of a shell into mutations of a
// terminal.State. Parsing is done by a charmbracelet/x/vt emulator; after
// every write its screen is projected onto the state, touching only the
// cells that changed so per-cell versions stay meaningful for deltas.
package emulator

import (
	"io"
	"unicode/utf8"

	"github.com/charmbracelet/x/vt"

	"github.com/1ureka/lagless/internal/terminal"
)

// Emulator writes decoded output into a terminal.State. It implements
// io.Writer. An Emulator is not safe for concurrent use.
type Emulator struct {
	vt *vt.Emulator
	s  *terminal.State
}

// New creates an emulator writing into s. Answers to terminal queries
// (device attributes, cursor reports) are copied to replies, normally the
// shell's input; nil discards them.
func New(s *terminal.State, replies io.Writer) *Emulator {
	if replies == nil {
		replies = io.Discard
	}
	e := &Emulator{vt: vt.NewEmulator(s.Cols(), s.Rows()), s: s}
	// The reply pipe is unbuffered; it must be drained or Write blocks.
	go func() { _, _ = io.Copy(replies, e.vt) }()
	e.sync()
	return e
}

// State returns the state the emulator writes into.
func (e *Emulator) State() *terminal.State { return e.s }

// Resize changes the geometry of the underlying state and the screen.
func (e *Emulator) Resize(rows, cols int) error {
	if err := e.s.Resize(rows, cols); err != nil {
		return err
	}
	e.vt.Resize(cols, rows)
	e.sync()
	return nil
}

// Write feeds shell output. It never fails.
func (e *Emulator) Write(p []byte) (int, error) {
	_, _ = e.vt.Write(p)
	e.sync()
	return len(p), nil
}

// Close stops the reply pump.
func (e *Emulator) Close() error {
	return e.vt.Close()
}

// sync copies every cell that differs from the screen into the state, then
// the cursor.
func (e *Emulator) sync() {
	rows, cols := e.s.Rows(), e.s.Cols()
	for y := 0; y < rows; y++ {
		tail := 0
		for x := 0; x < cols; x++ {
			want := terminal.Blank
			c := e.vt.CellAt(x, y)
			switch {
			case tail > 0:
				tail--
				want.Char = terminal.WideTail
				if c != nil {
					want.Foreground, want.Background, want.Attrs = project(&c.Style)
				}
			case c != nil:
				want.Foreground, want.Background, want.Attrs = project(&c.Style)
				if r, _ := utf8.DecodeRuneInString(c.Content); c.Content != "" && r != utf8.RuneError {
					want.Char = r
				}
				if c.Width > 1 {
					tail = c.Width - 1
				}
			}

			if have, _ := e.s.Cell(y, x); have != want {
				e.s.UpdateCell(y, x, want.Char,
					terminal.WithForeground(want.Foreground),
					terminal.WithBackground(want.Background),
					terminal.WithAttrs(want.Attrs))
			}
		}
	}

	pos := e.vt.CursorPosition()
	y, x := min(max(pos.Y, 0), rows-1), min(max(pos.X, 0), cols-1)
	if row, col := e.s.Cursor(); row != y || col != x {
		e.s.MoveCursor(y, x)
	}
}
