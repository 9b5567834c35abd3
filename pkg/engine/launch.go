package engine

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	isatty "github.com/mattn/go-isatty"
)

// launchTarget spawns tgt.Cmd stopped under ptrace. It must run on the
// locked OS thread that will supervise the root thread, because the kernel
// attributes the tracer role to the forking task.
func (e *Engine) launchTarget(tgt Target) error {
	if len(tgt.Cmd) == 0 {
		return fmt.Errorf("no command to run")
	}

	process := exec.Command(tgt.Cmd[0])
	process.Args = tgt.Cmd
	if tgt.WorkingDir != "" {
		process.Dir = tgt.WorkingDir
	}

	foreground := isatty.IsTerminal(os.Stdin.Fd())

	var tts *os.File
	if tgt.NewTTY {
		ptmx, t, err := pty.Open()
		if err != nil {
			return fmt.Errorf("could not allocate pty: %v", err)
		}
		tts = t
		process.Stdin = tts
		process.Stdout = tts
		process.Stderr = tts
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setsid:  true,
			Setctty: true,
			Ctty:    int(tts.Fd()),
		}
		go io.Copy(os.Stdout, ptmx)
	} else {
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:     true,
			Setpgid:    true,
			Foreground: foreground,
		}
		if foreground {
			signal.Ignore(syscall.SIGTTOU, syscall.SIGTTIN)
		}
	}

	err := process.Start()
	if tts != nil {
		tts.Close()
	}
	if err != nil {
		return fmt.Errorf("could not launch process: %v", err)
	}
	e.pid = process.Process.Pid

	if _, _, err := e.waitFast(e.pid); err != nil {
		return fmt.Errorf("waiting for target execve failed: %v", err)
	}
	return nil
}
