// Command execjail builds a manifest-described chroot jail, optionally
// tears one down first, and runs a command inside it as an unprivileged
// local account.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"go.expanses.dev/execjail/internal/ptyproxy"
	"go.expanses.dev/execjail/jail"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if _, ok := err.(usageError); ok {
			printUsage()
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config) error {
	doExec := (!cfg.teardown || len(cfg.rest) == 2) && !cfg.move
	switch {
	case doExec && len(cfg.rest) != 2:
		printUsage()
		os.Exit(1)
	case cfg.teardown && !doExec && len(cfg.rest) != 0:
		printUsage()
		os.Exit(1)
	case cfg.move && len(cfg.rest) != 1:
		printUsage()
		os.Exit(1)
	case cfg.move && (cfg.makePty || cfg.live || cfg.teardown):
		printUsage()
		os.Exit(1)
	}

	trace := jail.NewTracer(traceWriter(cfg), cfg.verbose)

	var callerTTY *os.File
	if cfg.live {
		f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
		if err == nil {
			callerTTY = f
		}
	}

	if err := jail.Escalate(cfg.dryRun); err != nil {
		return err
	}

	jailDir, err := absolutePath(cfg.jailDir)
	if err != nil {
		return err
	}
	if !jail.CheckFilename(jailDir, true, true) {
		return fmt.Errorf("%s: bad characters in filename", jailDir)
	}

	// RootFD/ParentFD are deliberately left open for the life of the
	// process (§3): the directory handles the policy walk validated stay
	// pinned so a concurrent rename can't swap a path component out from
	// under a long build.
	pw, err := jail.WalkPolicy(jailDir, doExec)
	if err != nil {
		return err
	}

	var owner jail.Owner
	if doExec {
		owner, err = jail.ResolveOwner(cfg.rest[0])
		if err != nil {
			return err
		}
	}

	if cfg.move {
		return jail.Move(pw, pw.Component, cfg.rest[0], trace, cfg.dryRun)
	}

	if cfg.teardown {
		if err := jail.Teardown(jailDir, trace, cfg.dryRun); err != nil {
			return err
		}
		if !doExec {
			trace.Printf("rmdir %s", jailDir)
			if !cfg.dryRun {
				if err := os.Remove(jailDir); err != nil {
					return fmt.Errorf("rmdir %s: %w", jailDir, err)
				}
			}
			return nil
		}
	}

	if cfg.linkDir != "" {
		if err := ensureLinkDir(cfg.linkDir, trace, cfg.dryRun); err != nil {
			return err
		}
		cfg.linkDir, err = absolutePath(cfg.linkDir)
		if err != nil {
			return err
		}
	}

	if !cfg.dryRun {
		stat, _ := os.Stdin.Stat()
		if stat != nil && stat.Mode()&os.ModeCharDevice != 0 {
			return fmt.Errorf("stdin: is a tty")
		}
	}

	if err := jail.PaintOwnership(jailDir, 0, 0, trace, cfg.dryRun); err != nil {
		return err
	}

	jailDev, err := jail.ClosestAncestorDev(jailDir)
	if err != nil {
		return err
	}

	b := jail.NewBuild(jailDir, jailDev, cfg.linkDir, cfg.dryRun, trace)
	if err := jail.Construct(b, os.Stdin, cfg.makePty); err != nil {
		return err
	}

	if doExec {
		if err := jail.PrepareHome(jailDir, owner, trace, cfg.dryRun); err != nil {
			return err
		}

		var pty *ptyproxy.Pty
		if cfg.makePty && !cfg.dryRun {
			pty, err = ptyproxy.Allocate()
			if err != nil {
				return err
			}
			trace.Printf("make-pty %s", pty.SlaveName)
		}

		return jail.Enter(jail.EnterParams{
			JailDir:   jailDir,
			Owner:     owner,
			Command:   cfg.rest[1],
			MakePty:   cfg.makePty,
			DryRun:    cfg.dryRun,
			Trace:     trace,
			CallerTTY: callerTTY,
			Pty:       pty,
			Stdout:    os.Stdout,
		})
	}

	return nil
}

func traceWriter(cfg *config) *os.File {
	if cfg.dryRun {
		return os.Stdout
	}
	return os.Stderr
}

func absolutePath(dir string) (string, error) {
	if dir != "" && dir[0] == '/' {
		return dir, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%s: %w", dir, err)
	}
	return abs, nil
}

func ensureLinkDir(dir string, trace *jail.Tracer, dryRun bool) error {
	st, err := os.Stat(dir)
	if err == nil {
		if st.IsDir() {
			return nil
		}
		return fmt.Errorf("%s: not a directory", dir)
	}
	if !os.IsNotExist(err) {
		return err
	}
	trace.Printf("mkdir -m 0755 %s", dir)
	if dryRun {
		return nil
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}
