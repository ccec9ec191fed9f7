package terminal

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSnapshotRoundTrip(t *testing.T) {
	src := New(5, 7)
	src.UpdateCell(1, 2, 'q', WithForeground(0xAABBCCDD), WithAttrs(AttrUnderline|AttrBold))
	src.UpdateCell(4, 6, '世')
	src.MoveCursor(3, 3)

	dst := New(DefaultRows, DefaultCols)
	applied, err := dst.ApplySnapshot(src.Snapshot())
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	assert.Equal(t, applied, true)
	assert.Equal(t, dst.Equal(src), true)
	assert.Equal(t, dst.Version(), src.Version())
}

func TestApplySnapshotIgnoresOlderVersion(t *testing.T) {
	old := New(2, 2)
	old.UpdateCell(0, 0, 'o')

	s := New(2, 2)
	for i := 0; i < 5; i++ {
		s.UpdateCell(1, 1, 'n')
	}
	before := s.Clone()

	applied, err := s.ApplySnapshot(old.Snapshot())
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	assert.Equal(t, applied, false)
	assert.Equal(t, s.Equal(before), true)
	assert.Equal(t, s.Version(), before.Version())
}

func TestApplySnapshotRejectsMalformed(t *testing.T) {
	good := New(2, 2).Snapshot()

	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"truncated", good[:len(good)-5]},
		{"garbage", []byte{0x08, 0x01, 0x12, 0xFF}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(2, 2)
			_, err := s.ApplySnapshot(tc.data)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
			assert.Equal(t, s.Version(), uint64(0))
		})
	}
}

func TestApplyDelta(t *testing.T) {
	s := New(3, 3)

	d := &Delta{
		Base:   0,
		Target: 10,
		Rows:   3,
		Cols:   3,
		Writes: []CellWrite{
			{Row: 0, Col: 0, Char: 'a'},
			{Row: 2, Col: 2, Char: 'z', HasStyle: true, Foreground: 1, Background: 2, Attrs: AttrReverse},
		},
		Cursor: &Position{Row: 2, Col: 1},
	}

	applied, err := s.ApplyDelta(d.Marshal())
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	assert.Equal(t, applied, true)
	assert.Equal(t, s.Version(), uint64(10))
	assert.Equal(t, s.Render(), "a  \n   \n  z")

	row, col := s.Cursor()
	assert.Equal(t, row, 2)
	assert.Equal(t, col, 1)

	cell, _ := s.Cell(2, 2)
	assert.Equal(t, cell, Cell{Char: 'z', Foreground: 1, Background: 2, Attrs: AttrReverse})

	// Unstyled writes keep existing colors.
	cell, _ = s.Cell(0, 0)
	assert.Equal(t, cell.Foreground, DefaultForeground)
}

func TestApplyDeltaIsIdempotentForStaleTargets(t *testing.T) {
	s := New(3, 3)
	first := &Delta{Base: 0, Target: 5, Rows: 3, Cols: 3, Writes: []CellWrite{{Row: 1, Col: 1, Char: 'x'}}}
	if _, err := s.Apply(first); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	before := s.Clone()

	stale := []*Delta{
		first,
		{Base: 0, Target: 4, Rows: 3, Cols: 3, Writes: []CellWrite{{Row: 0, Col: 0, Char: 'y'}}, Cursor: &Position{Row: 2, Col: 2}},
		{Base: 5, Target: 5, Rows: 3, Cols: 3, Writes: []CellWrite{{Row: 0, Col: 0, Char: 'y'}}},
		// Stale deltas are discarded before geometry is even looked at.
		{Base: 0, Target: 1, Rows: 9, Cols: 9},
	}

	for i, d := range stale {
		applied, err := s.ApplyDelta(d.Marshal())
		if err != nil {
			t.Fatalf("delta %d: unexpected error %v", i, err)
		}
		assert.Equal(t, applied, false)
		assert.Equal(t, s.Equal(before), true)
		assert.Equal(t, s.Version(), before.Version())
	}
}

func TestApplyDeltaDesync(t *testing.T) {
	testCases := []struct {
		name  string
		delta *Delta
	}{
		{"geometry mismatch", &Delta{Base: 0, Target: 3, Rows: 4, Cols: 3}},
		{"base ahead of state", &Delta{Base: 2, Target: 3, Rows: 3, Cols: 3}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(3, 3)
			s.UpdateCell(0, 0, 'k')
			before := s.Clone()

			applied, err := s.ApplyDelta(tc.delta.Marshal())
			if !errors.Is(err, ErrStateDesync) {
				t.Fatalf("expected ErrStateDesync, got %v", err)
			}
			assert.Equal(t, applied, false)
			assert.Equal(t, s.Equal(before), true)
			assert.Equal(t, s.Version(), before.Version())
		})
	}
}

func TestUnmarshalDeltaRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name  string
		delta *Delta
	}{
		{"write outside geometry", &Delta{Target: 1, Rows: 2, Cols: 2, Writes: []CellWrite{{Row: 2, Col: 0, Char: 'x'}}}},
		{"cursor outside geometry", &Delta{Target: 1, Rows: 2, Cols: 2, Cursor: &Position{Row: 0, Col: 5}}},
		{"base after target", &Delta{Base: 3, Target: 1, Rows: 2, Cols: 2}},
		{"zero geometry", &Delta{Target: 1, Rows: 0, Cols: 2}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := UnmarshalDelta(tc.delta.Marshal())
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}

	t.Run("not a record", func(t *testing.T) {
		_, err := UnmarshalDelta([]byte("hello"))
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed, got %v", err)
		}
	})
}

// TestDeltaSinceConvergesFromAnyIntermediateVersion checks that a delta
// computed from base brings every copy at a version in [base, target) to
// the same screen, including cells that changed and changed back.
func TestDeltaSinceConvergesFromAnyIntermediateVersion(t *testing.T) {
	host := New(3, 4)
	host.UpdateCell(0, 0, 'a')
	base := host.Clone()

	host.UpdateCell(0, 0, 'b')
	host.UpdateCell(1, 1, 'c')
	middle := host.Clone()

	host.UpdateCell(0, 0, 'a') // back to the base content
	host.MoveCursor(2, 3)

	d, ok := host.DeltaSince(base.Version())
	if !ok {
		t.Fatal("DeltaSince reported a snapshot is needed")
	}

	for name, replica := range map[string]*State{"base": base, "middle": middle} {
		applied, err := replica.Apply(d)
		if err != nil {
			t.Fatalf("%s: Apply: %v", name, err)
		}
		assert.Equal(t, applied, true)
		assert.Equal(t, replica.Equal(host), true)
		assert.Equal(t, replica.Version(), host.Version())
	}
}

func TestDeltaSinceNeedsSnapshot(t *testing.T) {
	s := New(3, 3)
	s.UpdateCell(0, 0, 'a')
	beforeResize := s.Version()

	if err := s.Resize(4, 4); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	_, ok := s.DeltaSince(beforeResize)
	assert.Equal(t, ok, false)

	_, ok = s.DeltaSince(s.Version() + 1)
	assert.Equal(t, ok, false)

	d, ok := s.DeltaSince(s.Version())
	assert.Equal(t, ok, true)
	assert.Equal(t, len(d.Writes), 0)
}
