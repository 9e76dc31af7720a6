// Package ptyproxy relays a jailed command's pseudo-terminal session
// back to the invoking process's stdout, the way a local terminal
// multiplexer would.
package ptyproxy

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/containerd/console"
	"golang.org/x/sys/unix"
)

// Pty wraps an allocated pseudo-terminal pair: master console plus the
// slave device path a child process opens as its controlling terminal.
type Pty struct {
	Master    console.Console
	SlaveName string
}

// Allocate opens /dev/ptmx (mirroring posix_openpt), grants and
// unlocks it, and returns the slave device name a child can open as
// stdin/stdout/stderr.
func Allocate() (*Pty, error) {
	c, slaveName, err := console.NewPty()
	if err != nil {
		return nil, fmt.Errorf("posix_openpt: %w", err)
	}
	return &Pty{Master: c, SlaveName: slaveName}, nil
}

// PrepareSlave opens the pty slave for a child process, sets its window
// size to the fixed 80x24 the original tool always forces, and clears
// output post-processing (no NL->CRNL translation) the way tty.c_oflag
// = 0 did.
func PrepareSlave(slaveName string) (*os.File, error) {
	slave, err := os.OpenFile(slaveName, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", slaveName, err)
	}
	_ = unix.IoctlSetWinsize(int(slave.Fd()), unix.TIOCSWINSZ, &unix.Winsize{Row: 24, Col: 80})
	if err := console.ClearONLCR(slave.Fd()); err != nil {
		slave.Close()
		return nil, fmt.Errorf("%s: %w", slaveName, err)
	}
	return slave, nil
}

// Run spawns cmd in a new session with its stdout and stderr attached to
// the pty slave and its stdin inherited from this process's fd 0, then
// proxies master output to out until the child exits, returning the
// child's exit code. cmd must not yet have been started.
//
// A direct syscall.Fork is unsafe in a multi-threaded Go runtime, so
// unlike the reference implementation this spawns the child through
// exec.Cmd/ForkExec (Go's signal-safe fork+exec path) instead of a raw
// fork, with the parent acting purely as the proxy loop.
func Run(cmd *exec.Cmd, pty *Pty, out io.Writer) (int, error) {
	slave, err := PrepareSlave(pty.SlaveName)
	if err != nil {
		return 1, err
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = slave
	cmd.Stderr = slave
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	// Setsid makes the child a new session leader; Setctty then has it
	// acquire the slave (fd 1, its stdout) as controlling terminal via
	// TIOCSCTTY, the same two steps the reference takes child-side with
	// setsid()+open(ptyslavename) — inheriting an already-open fd alone
	// never assigns a controlling terminal.
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
	cmd.SysProcAttr.Ctty = 1

	err = cmd.Start()
	// The child holds its own copies of the slave; closing this one lets
	// a read on the master fail with EIO once the child has exited.
	slave.Close()
	if err != nil {
		return 1, fmt.Errorf("fork: %w", err)
	}

	return proxy(cmd, pty.Master, out)
}

// proxy implements handle_child: the pty master's termios is set to
// VMIN=1/VTIME=5 so a blocking read() returns after at most half a
// second with no data, which is what lets this loop notice a dead
// child promptly without busy-polling or a userspace timer.
func proxy(cmd *exec.Cmd, master console.Console, out io.Writer) (int, error) {
	fd := int(master.Fd())
	if tio, err := unix.IoctlGetTermios(fd, unix.TCGETS); err == nil {
		tio.Cc[unix.VMIN] = 1
		tio.Cc[unix.VTIME] = 5
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, tio)
	}

	done := make(chan *os.ProcessState, 1)
	go func() {
		_ = cmd.Wait()
		done <- cmd.ProcessState
	}()

	buf := make([]byte, 16384)
	for {
		nr, rerr := unix.Read(fd, buf)
		if nr > 0 {
			if _, werr := out.Write(buf[:nr]); werr != nil {
				return 1, werr
			}
			continue
		}

		select {
		case state := <-done:
			return exitCode(state), nil
		default:
		}

		if rerr != nil && rerr != unix.EINTR && rerr != unix.EAGAIN && rerr != unix.EIO {
			return 1, fmt.Errorf("read: %w", rerr)
		}
	}
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return 0
	}
	return state.ExitCode()
}
