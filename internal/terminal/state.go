// Package terminal implements the versioned character grid shared by the
// host and the client. Every mutation bumps the version; incoming snapshots
// and deltas are merged strictly by version, never by arrival order.
package terminal

import (
	"errors"
	"fmt"
	"strings"
)

// Default geometry of a freshly created session.
const (
	DefaultRows = 24
	DefaultCols = 80
)

// Geometry limits. Every state, and every size a peer asks for, stays
// within them.
const (
	MaxDimension = 65535
	MaxCells     = 1000 * 1000
)

// Default packed RGBA colors.
const (
	DefaultForeground uint32 = 0xFFFFFFFF
	DefaultBackground uint32 = 0x000000FF
)

// Attr is the attribute bitfield of a cell.
type Attr uint16

const (
	AttrBold Attr = 1 << iota
	AttrDim
	AttrItalic
	AttrUnderline
	AttrBlink
	AttrReverse
)

// WideTail marks the second cell of a double-width rune. Render skips it.
const WideTail rune = 0

// Cell is one grid position.
type Cell struct {
	Char       rune
	Foreground uint32
	Background uint32
	Attrs      Attr
}

// Blank is the content of a cleared cell.
var Blank = Cell{Char: ' ', Foreground: DefaultForeground, Background: DefaultBackground}

// Errors returned while merging remote state.
var (
	// ErrStateDesync means an update cannot be applied on top of the current
	// state; the owner must request a full snapshot.
	ErrStateDesync = errors.New("terminal: state desync")
	// ErrMalformed means a snapshot or delta does not match its schema.
	ErrMalformed = errors.New("terminal: malformed state data")
	// ErrGeometry means a size is outside the supported limits.
	ErrGeometry = errors.New("terminal: invalid geometry")
)

// CheckGeometry returns ErrGeometry unless rows×cols is a size a State can
// take: both positive, neither above MaxDimension, at most MaxCells cells.
func CheckGeometry(rows, cols int) error {
	if rows <= 0 || cols <= 0 || rows > MaxDimension || cols > MaxDimension ||
		int64(rows)*int64(cols) > MaxCells {
		return fmt.Errorf("%w %dx%d", ErrGeometry, rows, cols)
	}
	return nil
}

// State is a rows×cols grid with a cursor and a version counter. It is not
// safe for concurrent use: a single owner mutates it, readers take a Clone.
type State struct {
	rows, cols int
	cells      []Cell
	stamps     []uint64 // version of the last write of each cell

	cursorRow, cursorCol int

	version   uint64
	resizedAt uint64 // version of the last geometry change
}

// New creates a blank state with the given geometry at version 0.
// Non-positive dimensions fall back to the defaults, and so does a geometry
// beyond the limits.
func New(rows, cols int) *State {
	if rows <= 0 {
		rows = DefaultRows
	}
	if cols <= 0 {
		cols = DefaultCols
	}
	if CheckGeometry(rows, cols) != nil {
		rows, cols = DefaultRows, DefaultCols
	}
	s := &State{rows: rows, cols: cols}
	s.cells = blankCells(rows * cols)
	s.stamps = make([]uint64, rows*cols)
	return s
}

func blankCells(n int) []Cell {
	cells := make([]Cell, n)
	for i := range cells {
		cells[i] = Blank
	}
	return cells
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (s *State) Rows() int       { return s.rows }
func (s *State) Cols() int       { return s.cols }
func (s *State) Version() uint64 { return s.version }

// Cursor returns the cursor position.
func (s *State) Cursor() (row, col int) {
	return s.cursorRow, s.cursorCol
}

// Cell returns the cell at (row, col) and whether it is in bounds.
func (s *State) Cell(row, col int) (Cell, bool) {
	if !s.inBounds(row, col) {
		return Cell{}, false
	}
	return s.cells[row*s.cols+col], true
}

func (s *State) inBounds(row, col int) bool {
	return row >= 0 && row < s.rows && col >= 0 && col < s.cols
}

// ---------------------------------------------------------------------------
// Mutation
// ---------------------------------------------------------------------------

// CellOption sets an optional attribute of a cell write.
type CellOption func(*Cell)

// WithForeground sets the packed foreground color.
func WithForeground(c uint32) CellOption {
	return func(cell *Cell) { cell.Foreground = c }
}

// WithBackground sets the packed background color.
func WithBackground(c uint32) CellOption {
	return func(cell *Cell) { cell.Background = c }
}

// WithAttrs sets the attribute bitfield.
func WithAttrs(a Attr) CellOption {
	return func(cell *Cell) { cell.Attrs = a }
}

// UpdateCell overwrites the character (and any given colors/attributes) of
// a cell. Out-of-bounds writes are ignored.
func (s *State) UpdateCell(row, col int, ch rune, opts ...CellOption) {
	if !s.inBounds(row, col) {
		return
	}
	s.version++

	i := row*s.cols + col
	cell := s.cells[i]
	cell.Char = ch
	for _, opt := range opts {
		opt(&cell)
	}
	s.cells[i] = cell
	s.stamps[i] = s.version
}

// MoveCursor moves the cursor, clamping both coordinates into bounds.
func (s *State) MoveCursor(row, col int) {
	s.cursorRow = clamp(row, s.rows)
	s.cursorCol = clamp(col, s.cols)
	s.version++
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}

// Resize changes the geometry. Cells at coordinates that exist in both the
// old and new geometry keep their content; new cells are blank. A geometry
// rejected by CheckGeometry leaves the state untouched.
func (s *State) Resize(rows, cols int) error {
	if err := CheckGeometry(rows, cols); err != nil {
		return err
	}
	s.version++

	cells := blankCells(rows * cols)
	stamps := make([]uint64, rows*cols)
	for r := 0; r < min(rows, s.rows); r++ {
		for c := 0; c < min(cols, s.cols); c++ {
			cells[r*cols+c] = s.cells[r*s.cols+c]
			stamps[r*cols+c] = s.stamps[r*s.cols+c]
		}
	}

	s.rows, s.cols = rows, cols
	s.cells, s.stamps = cells, stamps
	s.cursorRow = clamp(s.cursorRow, rows)
	s.cursorCol = clamp(s.cursorCol, cols)
	s.resizedAt = s.version
	return nil
}

// ScrollUp shifts every row up by one and blanks the last row.
func (s *State) ScrollUp() {
	s.version++

	copy(s.cells, s.cells[s.cols:])
	for i := (s.rows - 1) * s.cols; i < len(s.cells); i++ {
		s.cells[i] = Blank
	}
	for i := range s.stamps {
		s.stamps[i] = s.version
	}
}

// ---------------------------------------------------------------------------
// Projection
// ---------------------------------------------------------------------------

// Render returns the rows joined by newlines, each row the concatenation of
// its characters. Colors and attributes are not part of the output.
func (s *State) Render() string {
	var b strings.Builder
	b.Grow(s.rows * (s.cols + 1))

	for r := 0; r < s.rows; r++ {
		if r > 0 {
			b.WriteByte('\n')
		}
		for _, cell := range s.cells[r*s.cols : (r+1)*s.cols] {
			if cell.Char == WideTail {
				continue
			}
			b.WriteRune(cell.Char)
		}
	}
	return b.String()
}

// Clone returns a deep copy, version included.
func (s *State) Clone() *State {
	c := *s
	c.cells = append([]Cell(nil), s.cells...)
	c.stamps = append([]uint64(nil), s.stamps...)
	return &c
}

// Equal reports whether two states show the same screen: geometry, cells
// and cursor. Versions are not compared.
func (s *State) Equal(o *State) bool {
	if s.rows != o.rows || s.cols != o.cols {
		return false
	}
	if s.cursorRow != o.cursorRow || s.cursorCol != o.cursorCol {
		return false
	}
	for i := range s.cells {
		if s.cells[i] != o.cells[i] {
			return false
		}
	}
	return true
}
