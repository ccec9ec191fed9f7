// Package predict implements local echo of user input on top of the last
// confirmed terminal state.
package predict

import (
	"github.com/1ureka/lagless/internal/terminal"
)

// Control runes the engine renders speculatively.
const (
	backspace = 0x08
	del       = 0x7f
)

// Engine holds the confirmed baseline, the input not yet confirmed by the
// host, and the predicted state derived from both. The predicted state is
// never mutated on its own: every change rebuilds it from the baseline and
// the pending input, so the two can't drift apart.
//
// An Engine is owned by a single goroutine.
type Engine struct {
	confirmed *terminal.State
	pending   []rune
	offset    uint64 // runes confirmed since the engine was created
	predicted *terminal.State
}

// New creates an engine whose baseline is a copy of confirmed.
func New(confirmed *terminal.State) *Engine {
	e := &Engine{confirmed: confirmed.Clone()}
	e.rederive()
	return e
}

// PredictInput appends text to the pending input and echoes it on the
// predicted state.
func (e *Engine) PredictInput(text string) {
	for _, r := range text {
		e.pending = append(e.pending, r)
		echo(e.predicted, r)
	}
}

// ConfirmPrediction marks the first upTo pending runes as confirmed and
// drops them. It reports false and changes nothing when upTo is negative or
// beyond the pending input.
func (e *Engine) ConfirmPrediction(upTo int) bool {
	if upTo < 0 || upTo > len(e.pending) {
		return false
	}
	if upTo == 0 {
		return true
	}
	e.pending = append(e.pending[:0:0], e.pending[upTo:]...)
	e.offset += uint64(upTo)
	e.rederive()
	return true
}

// ConfirmThrough confirms pending input up to the absolute rune count
// consumed by the host. Counts already confirmed are ignored.
func (e *Engine) ConfirmThrough(consumed uint64) bool {
	if consumed <= e.offset {
		return consumed == e.offset
	}
	n := consumed - e.offset
	if n > uint64(len(e.pending)) {
		return false
	}
	return e.ConfirmPrediction(int(n))
}

// RollbackPrediction drops all pending input and resets the predicted state
// to the confirmed one. The dropped runes count as consumed for
// ConfirmedOffset.
func (e *Engine) RollbackPrediction() {
	e.offset += uint64(len(e.pending))
	e.pending = nil
	e.rederive()
}

// UpdateConfirmedState replaces the baseline with a copy of s and replays
// the pending input on top of it.
func (e *Engine) UpdateConfirmedState(s *terminal.State) {
	e.confirmed = s.Clone()
	e.rederive()
}

func (e *Engine) rederive() {
	e.predicted = e.confirmed.Clone()
	for _, r := range e.pending {
		echo(e.predicted, r)
	}
}

// echo applies the local echo rules of a single rune. Runes other than
// printable ASCII, newline, carriage return and backspace are left for the
// host to render.
func echo(s *terminal.State, r rune) {
	row, col := s.Cursor()

	switch {
	case r == '\r' || r == '\n':
		s.MoveCursor(row+1, 0)
	case r == backspace || r == del:
		if col == 0 {
			return
		}
		s.UpdateCell(row, col-1, ' ')
		s.MoveCursor(row, col-1)
	case r >= 0x20 && r <= 0x7e:
		s.UpdateCell(row, col, r)
		s.MoveCursor(row, col+1)
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Predicted returns a copy of the predicted state.
func (e *Engine) Predicted() *terminal.State { return e.predicted.Clone() }

// Pending returns the unconfirmed input.
func (e *Engine) Pending() string { return string(e.pending) }

// PendingLen returns the number of unconfirmed runes.
func (e *Engine) PendingLen() int { return len(e.pending) }

// ConfirmedOffset returns the absolute number of runes confirmed so far,
// which is also the absolute offset of the first pending rune.
func (e *Engine) ConfirmedOffset() uint64 { return e.offset }

// Render renders the predicted state.
func (e *Engine) Render() string { return e.predicted.Render() }
