// Package shell starts the host's program on a pseudo-terminal.
package shell

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// PTY is a running command attached to a pseudo-terminal. Reads return the
// command's output, writes are its keyboard input.
type PTY struct {
	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
	waitErr   error
	waited    chan struct{}
}

// DefaultCommand returns $SHELL, or /bin/sh when it is unset.
func DefaultCommand() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Start runs command through /bin/sh -c on a new PTY of the given size. An
// empty command starts DefaultCommand as a login-less interactive shell.
func Start(command string, rows, cols int) (*PTY, error) {
	var cmd *exec.Cmd
	if command == "" {
		cmd = exec.Command(DefaultCommand())
	} else {
		cmd = exec.Command("/bin/sh", "-c", command)
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, winsize(rows, cols))
	if err != nil {
		return nil, fmt.Errorf("start %q on a pty: %w", cmd.Path, err)
	}

	p := &PTY{cmd: cmd, ptmx: ptmx, waited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.waited)
	}()
	return p, nil
}

func winsize(rows, cols int) *pty.Winsize {
	return &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}
}

// Read returns command output. Once the command exits it fails, with EIO
// on Linux rather than io.EOF.
func (p *PTY) Read(b []byte) (int, error) { return p.ptmx.Read(b) }

func (p *PTY) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

// Resize changes the window size seen by the command.
func (p *PTY) Resize(rows, cols int) error {
	return pty.Setsize(p.ptmx, winsize(rows, cols))
}

// Wait blocks until the command exits and returns its exit error.
func (p *PTY) Wait() error {
	<-p.waited
	return p.waitErr
}

// Close kills the command if it is still running and releases the PTY.
func (p *PTY) Close() error {
	var err error
	p.closeOnce.Do(func() {
		select {
		case <-p.waited:
		default:
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
		}
		err = p.ptmx.Close()
	})
	return err
}
