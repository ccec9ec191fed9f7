package app

import (
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	runewidth "github.com/mattn/go-runewidth"

	"github.com/1ureka/lagless/internal/conn"
	"github.com/1ureka/lagless/internal/session"
	"github.com/1ureka/lagless/internal/terminal"
)

// renderer paints client frames onto the local terminal. Only rows that
// changed since the previous frame are redrawn.
type renderer struct {
	w     io.Writer
	rows  []string
	cols  int
	state conn.State
	drawn bool
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

func (r *renderer) draw(f *session.Frame) error {
	var b strings.Builder
	s := f.Screen

	if len(r.rows) != s.Rows() || r.cols != s.Cols() {
		b.WriteString(ansi.ResetStyle + ansi.EraseEntireScreen)
		r.rows = make([]string, s.Rows())
		r.cols = s.Cols()
		r.drawn = false
	}

	for row := 0; row < s.Rows(); row++ {
		line := encodeRow(s, row)
		if r.drawn && r.rows[row] == line {
			continue
		}
		r.rows[row] = line
		b.WriteString(ansi.CursorPosition(1, row+1))
		b.WriteString(line)
	}
	r.drawn = true

	if f.State != r.state {
		r.state = f.State
		// Window title shows anything but a healthy connection.
		title := "lagless"
		if f.State != conn.Connected {
			title += " [" + f.State.String() + "]"
		}
		b.WriteString(ansi.SetIconNameWindowTitle(title))
	}

	row, col := s.Cursor()
	b.WriteString(ansi.CursorPosition(col+1, row+1))

	_, err := io.WriteString(r.w, b.String())
	return err
}

// encodeRow renders one row with the SGR changes it needs, ending with a
// reset.
func encodeRow(s *terminal.State, row int) string {
	var (
		b    strings.Builder
		prev string
	)
	for col := 0; col < s.Cols(); col++ {
		cell, _ := s.Cell(row, col)
		if cell.Char == terminal.WideTail {
			continue
		}
		if style := cellStyle(cell).String(); style != prev {
			b.WriteString(style)
			prev = style
		}
		b.WriteRune(printable(s, row, col, cell.Char))
	}
	b.WriteString(ansi.ResetStyle)
	return b.String()
}

// printable returns ch, or a space when the local terminal would give it a
// width that does not match the cells it occupies.
func printable(s *terminal.State, row, col int, ch rune) rune {
	switch runewidth.RuneWidth(ch) {
	case 1:
		return ch
	case 2:
		if next, ok := s.Cell(row, col+1); ok && next.Char == terminal.WideTail {
			return ch
		}
	}
	return ' '
}

// cellStyle returns the full SGR style of cell, starting from a reset.
func cellStyle(cell terminal.Cell) ansi.Style {
	st := ansi.NewStyle(ansi.AttrReset)
	if cell.Attrs&terminal.AttrBold != 0 {
		st = st.Bold()
	}
	if cell.Attrs&terminal.AttrDim != 0 {
		st = st.Faint()
	}
	if cell.Attrs&terminal.AttrItalic != 0 {
		st = st.Italic(true)
	}
	if cell.Attrs&terminal.AttrUnderline != 0 {
		st = st.Underline(true)
	}
	if cell.Attrs&terminal.AttrBlink != 0 {
		st = st.Blink(true)
	}
	if cell.Attrs&terminal.AttrReverse != 0 {
		st = st.Reverse(true)
	}
	if cell.Foreground != terminal.DefaultForeground {
		st = st.ForegroundColor(rgb(cell.Foreground))
	}
	if cell.Background != terminal.DefaultBackground {
		st = st.BackgroundColor(rgb(cell.Background))
	}
	return st
}

func rgb(c uint32) ansi.RGBColor {
	return ansi.RGBColor{R: uint8(c >> 24), G: uint8(c >> 16), B: uint8(c >> 8)}
}
