package terminal

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/1ureka/lagless/internal/wire"
)

// Snapshot record fields.
const (
	snapRows      protowire.Number = 2
	snapCols      protowire.Number = 3
	snapCursorRow protowire.Number = 4
	snapCursorCol protowire.Number = 5
	snapVersion   protowire.Number = 6
	snapCells     protowire.Number = 7
)

// Delta record fields.
const (
	deltaBase   protowire.Number = 2
	deltaTarget protowire.Number = 3
	deltaRows   protowire.Number = 4
	deltaCols   protowire.Number = 5
	deltaWrite  protowire.Number = 6
	deltaCursor protowire.Number = 7
)

// Cell write / cursor record fields.
const (
	fieldRow   protowire.Number = 2
	fieldCol   protowire.Number = 3
	fieldChar  protowire.Number = 4
	fieldFG    protowire.Number = 5
	fieldBG    protowire.Number = 6
	fieldAttrs protowire.Number = 7
)

// cellSize is the packed size of a cell in a snapshot: Char(4) + FG(4) + BG(4) + Attrs(2).
const cellSize = 14

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Snapshot encodes the full state: geometry, cursor, version and every cell.
func (s *State) Snapshot() []byte {
	blob := make([]byte, len(s.cells)*cellSize)
	for i, cell := range s.cells {
		p := blob[i*cellSize:]
		binary.BigEndian.PutUint32(p[0:4], uint32(cell.Char))
		binary.BigEndian.PutUint32(p[4:8], cell.Foreground)
		binary.BigEndian.PutUint32(p[8:12], cell.Background)
		binary.BigEndian.PutUint16(p[12:14], uint16(cell.Attrs))
	}

	b := wire.NewBuilder()
	b.Uint(snapRows, uint64(s.rows))
	b.Uint(snapCols, uint64(s.cols))
	b.Uint(snapCursorRow, uint64(s.cursorRow))
	b.Uint(snapCursorCol, uint64(s.cursorCol))
	b.Uint(snapVersion, s.version)
	b.Bytes(snapCells, blob)
	return b.Finish()
}

// ApplySnapshot replaces the whole state with an encoded snapshot. A
// snapshot older than the current version is discarded and reported as not
// applied, so the version never goes backwards.
func (s *State) ApplySnapshot(data []byte) (bool, error) {
	next, err := decodeSnapshot(data)
	if err != nil {
		return false, err
	}
	if next.version < s.version {
		return false, nil
	}
	*s = *next
	return true, nil
}

func decodeSnapshot(data []byte) (*State, error) {
	var (
		req                  wire.Required
		rows, cols           int
		cursorRow, cursorCol int
		version              uint64
		blob                 []byte
	)

	err := wire.Walk(data, func(num protowire.Number, f wire.Field) error {
		var err error
		switch num {
		case snapRows:
			rows, err = f.Int()
		case snapCols:
			cols, err = f.Int()
		case snapCursorRow:
			cursorRow, err = f.Int()
		case snapCursorCol:
			cursorCol, err = f.Int()
		case snapVersion:
			version, err = f.Uint()
		case snapCells:
			blob, err = f.Bytes()
		default:
			return nil
		}
		req.Mark(num)
		return err
	})
	if err == nil {
		err = req.Check(snapRows, snapCols, snapCursorRow, snapCursorCol, snapVersion, snapCells)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrMalformed, err)
	}

	if CheckGeometry(rows, cols) != nil {
		return nil, fmt.Errorf("%w: snapshot geometry %dx%d", ErrMalformed, rows, cols)
	}
	if cursorRow >= rows || cursorCol >= cols {
		return nil, fmt.Errorf("%w: snapshot cursor (%d,%d) outside %dx%d", ErrMalformed, cursorRow, cursorCol, rows, cols)
	}
	if len(blob) != rows*cols*cellSize {
		return nil, fmt.Errorf("%w: snapshot has %d cell bytes, want %d", ErrMalformed, len(blob), rows*cols*cellSize)
	}

	s := &State{
		rows:      rows,
		cols:      cols,
		cells:     make([]Cell, rows*cols),
		stamps:    make([]uint64, rows*cols),
		cursorRow: cursorRow,
		cursorCol: cursorCol,
		version:   version,
		resizedAt: version,
	}
	for i := range s.cells {
		p := blob[i*cellSize:]
		ch := rune(binary.BigEndian.Uint32(p[0:4]))
		if ch != WideTail && !utf8.ValidRune(ch) {
			return nil, fmt.Errorf("%w: snapshot cell %d holds invalid rune %#x", ErrMalformed, i, ch)
		}
		s.cells[i] = Cell{
			Char:       ch,
			Foreground: binary.BigEndian.Uint32(p[4:8]),
			Background: binary.BigEndian.Uint32(p[8:12]),
			Attrs:      Attr(binary.BigEndian.Uint16(p[12:14])),
		}
		s.stamps[i] = version
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Deltas
// ---------------------------------------------------------------------------

// CellWrite is one cell assignment inside a Delta. Style fields are only
// applied when HasStyle is set.
type CellWrite struct {
	Row, Col   int
	Char       rune
	HasStyle   bool
	Foreground uint32
	Background uint32
	Attrs      Attr
}

// Position is a cursor position.
type Position struct {
	Row, Col int
}

// Delta is a partial update that moves a state from version Base to
// version Target. It is computed against the geometry Rows×Cols.
type Delta struct {
	Base, Target uint64
	Rows, Cols   int
	Writes       []CellWrite
	Cursor       *Position
}

// Marshal encodes the delta.
func (d *Delta) Marshal() []byte {
	b := wire.NewBuilder()
	b.Uint(deltaBase, d.Base)
	b.Uint(deltaTarget, d.Target)
	b.Uint(deltaRows, uint64(d.Rows))
	b.Uint(deltaCols, uint64(d.Cols))
	for _, w := range d.Writes {
		r := wire.NewBuilder()
		r.Uint(fieldRow, uint64(w.Row))
		r.Uint(fieldCol, uint64(w.Col))
		r.Uint(fieldChar, uint64(w.Char))
		if w.HasStyle {
			r.Uint(fieldFG, uint64(w.Foreground))
			r.Uint(fieldBG, uint64(w.Background))
			r.Uint(fieldAttrs, uint64(w.Attrs))
		}
		b.Record(deltaWrite, r)
	}
	if d.Cursor != nil {
		r := wire.NewBuilder()
		r.Uint(fieldRow, uint64(d.Cursor.Row))
		r.Uint(fieldCol, uint64(d.Cursor.Col))
		b.Record(deltaCursor, r)
	}
	return b.Finish()
}

// UnmarshalDelta decodes and validates a delta. Writes or a cursor outside
// the delta's own geometry make it malformed.
func UnmarshalDelta(data []byte) (*Delta, error) {
	d := &Delta{}
	var req wire.Required

	err := wire.Walk(data, func(num protowire.Number, f wire.Field) error {
		var err error
		switch num {
		case deltaBase:
			d.Base, err = f.Uint()
		case deltaTarget:
			d.Target, err = f.Uint()
		case deltaRows:
			d.Rows, err = f.Int()
		case deltaCols:
			d.Cols, err = f.Int()
		case deltaWrite:
			var raw []byte
			if raw, err = f.Bytes(); err != nil {
				return err
			}
			var w CellWrite
			if w, err = decodeCellWrite(raw); err != nil {
				return err
			}
			d.Writes = append(d.Writes, w)
		case deltaCursor:
			var raw []byte
			if raw, err = f.Bytes(); err != nil {
				return err
			}
			var p Position
			if p, err = decodePosition(raw); err != nil {
				return err
			}
			d.Cursor = &p
		default:
			return nil
		}
		req.Mark(num)
		return err
	})
	if err == nil {
		err = req.Check(deltaBase, deltaTarget, deltaRows, deltaCols)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: delta: %v", ErrMalformed, err)
	}

	if CheckGeometry(d.Rows, d.Cols) != nil {
		return nil, fmt.Errorf("%w: delta geometry %dx%d", ErrMalformed, d.Rows, d.Cols)
	}
	if d.Base > d.Target {
		return nil, fmt.Errorf("%w: delta base %d after target %d", ErrMalformed, d.Base, d.Target)
	}
	for _, w := range d.Writes {
		if w.Row >= d.Rows || w.Col >= d.Cols {
			return nil, fmt.Errorf("%w: delta write (%d,%d) outside %dx%d", ErrMalformed, w.Row, w.Col, d.Rows, d.Cols)
		}
	}
	if d.Cursor != nil && (d.Cursor.Row >= d.Rows || d.Cursor.Col >= d.Cols) {
		return nil, fmt.Errorf("%w: delta cursor (%d,%d) outside %dx%d", ErrMalformed, d.Cursor.Row, d.Cursor.Col, d.Rows, d.Cols)
	}
	return d, nil
}

func decodeCellWrite(data []byte) (CellWrite, error) {
	var (
		w   CellWrite
		req wire.Required
	)
	err := wire.Walk(data, func(num protowire.Number, f wire.Field) error {
		var (
			v   uint64
			err error
		)
		switch num {
		case fieldRow:
			w.Row, err = f.Int()
		case fieldCol:
			w.Col, err = f.Int()
		case fieldChar:
			v, err = f.Uint()
			if err == nil && v != uint64(WideTail) && (v > utf8.MaxRune || !utf8.ValidRune(rune(v))) {
				err = fmt.Errorf("invalid rune %#x", v)
			}
			w.Char = rune(v)
		case fieldFG:
			v, err = f.Uint()
			w.Foreground = uint32(v)
		case fieldBG:
			v, err = f.Uint()
			w.Background = uint32(v)
		case fieldAttrs:
			v, err = f.Uint()
			w.Attrs = Attr(v)
		default:
			return nil
		}
		req.Mark(num)
		return err
	})
	if err != nil {
		return w, err
	}
	if err := req.Check(fieldRow, fieldCol, fieldChar); err != nil {
		return w, err
	}

	styled := 0
	for _, num := range []protowire.Number{fieldFG, fieldBG, fieldAttrs} {
		if req.Check(num) == nil {
			styled++
		}
	}
	switch styled {
	case 0:
	case 3:
		w.HasStyle = true
	default:
		return w, fmt.Errorf("cell write (%d,%d) has a partial style", w.Row, w.Col)
	}
	return w, nil
}

func decodePosition(data []byte) (Position, error) {
	var (
		p   Position
		req wire.Required
	)
	err := wire.Walk(data, func(num protowire.Number, f wire.Field) error {
		var err error
		switch num {
		case fieldRow:
			p.Row, err = f.Int()
		case fieldCol:
			p.Col, err = f.Int()
		default:
			return nil
		}
		req.Mark(num)
		return err
	})
	if err != nil {
		return p, err
	}
	return p, req.Check(fieldRow, fieldCol)
}

// ApplyDelta decodes and applies an encoded delta. See Apply.
func (s *State) ApplyDelta(data []byte) (bool, error) {
	d, err := UnmarshalDelta(data)
	if err != nil {
		return false, err
	}
	return s.Apply(d)
}

// Apply merges a delta. A delta whose target is not newer than the current
// version is discarded and reported as not applied, which makes duplicate,
// stale and reordered deliveries harmless. A delta computed for another
// geometry, or from a base this state has not reached yet, returns
// ErrStateDesync and leaves the state untouched. On success the version
// becomes the delta's target.
func (s *State) Apply(d *Delta) (bool, error) {
	if d.Target <= s.version {
		return false, nil
	}
	if d.Rows != s.rows || d.Cols != s.cols {
		return false, fmt.Errorf("%w: delta for %dx%d, state is %dx%d", ErrStateDesync, d.Rows, d.Cols, s.rows, s.cols)
	}
	if d.Base > s.version {
		return false, fmt.Errorf("%w: delta base %d, state at %d", ErrStateDesync, d.Base, s.version)
	}

	for _, w := range d.Writes {
		i := w.Row*s.cols + w.Col
		cell := s.cells[i]
		cell.Char = w.Char
		if w.HasStyle {
			cell.Foreground = w.Foreground
			cell.Background = w.Background
			cell.Attrs = w.Attrs
		}
		s.cells[i] = cell
		s.stamps[i] = d.Target
	}
	if d.Cursor != nil {
		s.cursorRow, s.cursorCol = d.Cursor.Row, d.Cursor.Col
	}
	s.version = d.Target
	return true, nil
}

// DeltaSince builds the delta that brings any copy of this state at a
// version in [base, current) up to date: every cell written after base with
// its current content, plus the cursor. It reports false when base is newer
// than the state or older than the last geometry change; a snapshot is
// needed then.
func (s *State) DeltaSince(base uint64) (*Delta, bool) {
	if base > s.version || base < s.resizedAt {
		return nil, false
	}

	d := &Delta{
		Base:   base,
		Target: s.version,
		Rows:   s.rows,
		Cols:   s.cols,
		Cursor: &Position{Row: s.cursorRow, Col: s.cursorCol},
	}
	for i, stamp := range s.stamps {
		if stamp <= base {
			continue
		}
		cell := s.cells[i]
		d.Writes = append(d.Writes, CellWrite{
			Row:        i / s.cols,
			Col:        i % s.cols,
			Char:       cell.Char,
			HasStyle:   true,
			Foreground: cell.Foreground,
			Background: cell.Background,
			Attrs:      cell.Attrs,
		})
	}
	return d, true
}
