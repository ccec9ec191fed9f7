package app

import (
	"io"
	"strings"
	"unicode/utf8"
)

// escapeKey (Ctrl-^) starts a local command instead of being sent:
//
//	Ctrl-^ .   quit
//	Ctrl-^ z   suspend, or resume when suspended
//	Ctrl-^ ^   send a literal Ctrl-^
const escapeKey = '\x1e'

type command int

const (
	cmdQuit command = iota + 1
	cmdToggleSuspend
)

// escaper filters the escape sequences out of the keystroke stream.
type escaper struct {
	pending bool
}

// filter returns the text to send and the local commands found in text.
func (e *escaper) filter(text string) (string, []command) {
	var (
		out  strings.Builder
		cmds []command
	)
	for _, r := range text {
		if !e.pending {
			if r == escapeKey {
				e.pending = true
				continue
			}
			out.WriteRune(r)
			continue
		}

		e.pending = false
		switch r {
		case '.':
			cmds = append(cmds, cmdQuit)
		case 'z':
			cmds = append(cmds, cmdToggleSuspend)
		case escapeKey, '^':
			out.WriteRune(escapeKey)
		default:
			out.WriteRune(escapeKey)
			out.WriteRune(r)
		}
	}
	return out.String(), cmds
}

// runeReader turns raw reads into whole-rune text, carrying an incomplete
// UTF-8 sequence over to the next read.
type runeReader struct {
	r     io.Reader
	buf   []byte
	carry []byte
}

func newRuneReader(r io.Reader) *runeReader {
	return &runeReader{r: r, buf: make([]byte, 1024)}
}

// Next blocks for the next chunk of input.
func (rr *runeReader) Next() (string, error) {
	for {
		n, err := rr.r.Read(rr.buf)
		data := append(rr.carry, rr.buf[:n]...)

		cut := len(data)
		for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
			if utf8.RuneStart(data[i]) {
				if !utf8.FullRune(data[i:]) {
					cut = i
				}
				break
			}
		}
		rr.carry = append([]byte(nil), data[cut:]...)

		if cut > 0 {
			return string(data[:cut]), nil
		}
		if err != nil {
			return "", err
		}
	}
}
