package jail

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.expanses.dev/execjail/internal/ptyproxy"
	"golang.org/x/sys/unix"
)

// Owner is the resolved target account a jailed command runs as.
type Owner struct {
	Name  string
	UID   int
	GID   int
	Home  string
	Shell string
}

// ResolveOwner validates the account named by username the way the
// original tool does before ever touching the filesystem: it must
// exist, must not be root, its home directory must live under /home/
// (with "/" mapped to the synthetic "/home/nobody"), and its
// login shell must be bash, sh, or a shell listed in /etc/shells.
func ResolveOwner(username string) (Owner, error) {
	if len(username) >= 1024 {
		return Owner{}, fmt.Errorf("%s: username too long", username)
	}

	u, err := user.Lookup(username)
	if err != nil {
		return Owner{}, fmt.Errorf("%s: no such user", username)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	if uid == 0 {
		return Owner{}, fmt.Errorf("%s: jail user cannot be root", username)
	}

	home := u.HomeDir
	switch {
	case home == "/":
		home = "/home/nobody"
	case strings.HasPrefix(home, "/home/"):
	default:
		return Owner{}, fmt.Errorf("%s: home directory %s not under /home", username, home)
	}

	shell := loginShell(username)
	if shell != "/bin/bash" && shell != "/bin/sh" && !shellAllowed(shell) {
		return Owner{}, fmt.Errorf("%s: shell %s not allowed by /etc/shells", username, shell)
	}

	return Owner{Name: username, UID: uid, GID: gid, Home: home, Shell: shell}, nil
}

// loginShell reads the shell field straight out of /etc/passwd; os/user
// does not expose it.
func loginShell(username string) string {
	data, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return "/bin/sh"
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) >= 7 && fields[0] == username {
			return fields[6]
		}
	}
	return "/bin/sh"
}

func shellAllowed(shell string) bool {
	data, err := os.ReadFile("/etc/shells")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == shell {
			return true
		}
	}
	return false
}

// Escalate raises the real (not just effective) uid/gid to root so that
// mounts, chowns and mknods performed during construction run as root
// regardless of how execjail itself was invoked (setuid-root binary or
// already-root caller).
func Escalate(dryRun bool) error {
	if dryRun {
		return nil
	}
	if err := unix.Setgid(0); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := unix.Setuid(0); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}

// Move implements the "-m JAILDIR NEWNAME" form: it renames the jail
// directory to newName, which may itself be an existing directory (in
// which case the jail keeps its original basename inside it). newName
// must stay under the superdir that authorized the jail (pw.Auth), and
// a fresh C3 walk over newName's parent must also succeed, so a nojail
// clause planted anywhere between the superdir and the destination is
// still honored.
func Move(pw *PolicyWalk, jailComponent, newName string, trace *Tracer, dryRun bool) error {
	if !CheckFilename(newName, true, true) {
		return fmt.Errorf("%s: bad characters in move destination", newName)
	}

	if st, err := os.Stat(newName); err == nil && st.IsDir() {
		if !strings.HasSuffix(newName, "/") {
			newName += "/"
		}
		newName += jailComponent
	}

	if !strings.HasPrefix(newName, pw.Auth.Superdir) {
		return fmt.Errorf("%s: not under %s", newName, pw.Auth.Superdir)
	}

	destPW, err := WalkPolicy(filepath.Dir(newName), false)
	if err != nil {
		return fmt.Errorf("%s: %w", newName, err)
	}
	closeWalkFDs(destPW.RootFD, destPW.ParentFD)

	trace.Printf("mv %s%s %s", pw.Parent, jailComponent, newName)
	if dryRun {
		return nil
	}
	if err := unix.Renameat(pw.ParentFD, jailComponent, pw.ParentFD, newName); err != nil {
		return fmt.Errorf("mv %s%s %s: %w", pw.Parent, jailComponent, newName, err)
	}
	return nil
}

// Construct is the C9 build phase: prepare the jail root, snapshot and
// seed the pseudo-filesystem mounts, then replay the manifest.
func Construct(b *Build, manifest io.Reader, makePty bool) error {
	b.trace.Printf("chmod 0755 %s", b.JailDir)
	if !b.DryRun {
		if err := unix.Chmod(b.JailDir, 0755); err != nil {
			return fmt.Errorf("chmod %s: %w", b.JailDir, err)
		}
		if err := unix.Lchown(b.JailDir, 0, 0); err != nil {
			return fmt.Errorf("chown %s: %w", b.JailDir, err)
		}
	}
	b.dst[b.JailDir+"/"] = struct{}{}

	mounts, err := ReadMountTable()
	if err != nil {
		b.recordError("/proc/self/mountinfo", err)
	}
	b.SetMounts(mounts)

	if err := b.Materialize("/proc", b.JailDir+"/proc", true, 0); err != nil {
		return err
	}
	if makePty {
		if err := b.Materialize("/dev/pts", b.JailDir+"/dev/pts", true, 0); err != nil {
			return err
		}
		if err := b.Materialize("/dev/ptmx", b.JailDir+"/dev/ptmx", true, 0); err != nil {
			return err
		}
	}

	reader := NewManifestReader(manifest, b.JailDir)
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
		if err := b.Materialize(entry.Src, entry.Dst, entry.Absolute, entry.Flags); err != nil {
			return err
		}
	}

	return b.Err()
}

// PrepareHome ensures /home and the owner's home directory exist inside
// the jail, chowning a freshly-created home directory to the owner.
func PrepareHome(jailDir string, owner Owner, trace *Tracer, dryRun bool) error {
	homeRoot := jailDir + "/home"
	if err := ensureDir(homeRoot, 0755, trace, dryRun); err != nil {
		return err
	}
	jailHome := jailDir + owner.Home
	created, err := ensureDirReport(jailHome, 0700, trace, dryRun)
	if err != nil {
		return err
	}
	if created {
		trace.Printf("chown -h %s:%s %s", owner.Name, owner.Name, jailHome)
		if !dryRun {
			if err := unix.Lchown(jailHome, owner.UID, owner.GID); err != nil {
				return fmt.Errorf("chown %s: %w", jailHome, err)
			}
		}
	}
	return nil
}

func ensureDir(path string, mode uint32, trace *Tracer, dryRun bool) error {
	_, err := ensureDirReport(path, mode, trace, dryRun)
	return err
}

func ensureDirReport(path string, mode uint32, trace *Tracer, dryRun bool) (created bool, err error) {
	st, err := os.Stat(path)
	if err == nil {
		if st.IsDir() {
			return false, nil
		}
		return false, fmt.Errorf("%s: not a directory", path)
	}
	if !os.IsNotExist(err) {
		return false, err
	}
	trace.Printf("mkdir -m 0%o %s", mode, path)
	if dryRun {
		return true, nil
	}
	if err := unix.Mkdir(path, mode); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", path, err)
	}
	return true, nil
}

// EnterParams collects everything the final chroot/privilege-drop/exec
// sequence needs.
type EnterParams struct {
	JailDir   string
	Owner     Owner
	Command   string
	MakePty   bool
	DryRun    bool
	Trace     *Tracer
	CallerTTY *os.File
	// Pty is the pre-allocated pseudo-terminal to attach the command to
	// when MakePty is set. It must be allocated (via ptyproxy.Allocate)
	// before the chroot happens, since /dev/ptmx may not be visible
	// afterward.
	Pty *ptyproxy.Pty
	// Stdout is where proxied PTY output is written. Required when
	// MakePty is set.
	Stdout io.Writer
}

// Enter performs the irreversible final half of C9: chroot into the
// jail, drop privileges permanently to owner, and exec the owner's
// shell with -c COMMAND. It never returns on success in the no-PTY
// path, since the current process image is replaced by execve.
func Enter(p EnterParams) error {
	p.Trace.Printf("cd %s", p.JailDir)
	if !p.DryRun {
		if err := unix.Chdir(p.JailDir); err != nil {
			return fmt.Errorf("chdir %s: %w", p.JailDir, err)
		}
	}
	p.Trace.Printf("chroot .")
	if !p.DryRun {
		if err := unix.Chroot("."); err != nil {
			return fmt.Errorf("chroot: %w", err)
		}
	}

	p.Trace.Printf("su %s", p.Owner.Name)
	if !p.DryRun {
		// AllThreadsSyscall applies the setgid/setuid syscalls to every OS
		// thread in the process atomically, unlike a plain setuid/setgid
		// syscall, which only affects the calling thread in a
		// multi-threaded Go runtime.
		if _, _, errno := syscall.AllThreadsSyscall(syscall.SYS_SETGID, uintptr(p.Owner.GID), 0, 0); errno != 0 {
			return fmt.Errorf("setgid: %w", errno)
		}
		if _, _, errno := syscall.AllThreadsSyscall(syscall.SYS_SETUID, uintptr(p.Owner.UID), 0, 0); errno != 0 {
			return fmt.Errorf("setuid: %w", errno)
		}
	}

	env := buildEnv(p.Owner.Home)
	args := buildArgs(p.Owner.Shell, p.Command, p.MakePty)

	p.Trace.Printf("cd %s", p.Owner.Home)
	if !p.DryRun {
		if err := unix.Chdir(p.Owner.Home); err != nil {
			return fmt.Errorf("chdir %s: %w", p.Owner.Home, err)
		}
	}

	if !p.DryRun {
		f, err := os.Open(p.Owner.Shell)
		if err != nil {
			return fmt.Errorf("open %s: %w", p.Owner.Shell, err)
		}
		f.Close()
	}

	if p.CallerTTY == nil {
		if err := redirectStdinNull(); err != nil {
			return err
		}
	} else if p.CallerTTY.Fd() != 0 {
		if err := unix.Dup2(int(p.CallerTTY.Fd()), 0); err != nil {
			return fmt.Errorf("dup2: %w", err)
		}
		p.CallerTTY.Close()
	}

	p.Trace.Printf("%s %s", strings.Join(env, " "), strings.Join(args[:len(args)-1], " ")+" '"+args[len(args)-1]+"'")

	if p.DryRun {
		return nil
	}

	if !p.MakePty {
		// The reference implementation resets every signal to SIG_DFL here
		// because a long-lived interpreter (PHP) could have left SIGPIPE
		// ignored, a disposition that otherwise survives exec. Nothing in
		// this process ever installs a non-default disposition, so there
		// is nothing to reset before handing control to the owner's shell.
		return unix.Exec(args[0], args, env)
	}

	// A PTY session can't replace the current process image the way the
	// no-PTY path does: something has to stay behind to proxy the
	// terminal. The current process (already chrooted, already dropped
	// to the owner) forks a child through exec.Cmd instead of a raw
	// fork(2), which would be unsafe once the Go runtime has started
	// extra OS threads, and becomes the proxy loop itself.
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = env
	cmd.Dir = p.Owner.Home
	code, err := ptyproxy.Run(cmd, p.Pty, p.Stdout)
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

func redirectStdinNull() error {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open /dev/null: %w", err)
	}
	if err := unix.Dup2(int(devNull.Fd()), 0); err != nil {
		return fmt.Errorf("dup2: %w", err)
	}
	return devNull.Close()
}

func buildEnv(home string) []string {
	path := "PATH=/usr/local/bin:/bin:/usr/bin"
	var ldLibraryPath string
	for _, kv := range os.Environ() {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			path = kv
		case strings.HasPrefix(kv, "LD_LIBRARY_PATH="):
			ldLibraryPath = kv
		}
	}
	env := []string{path}
	if ldLibraryPath != "" {
		env = append(env, ldLibraryPath)
	}
	env = append(env, "HOME="+home)
	return env
}

func buildArgs(shell, command string, makePty bool) []string {
	args := []string{shell}
	if makePty {
		args = append(args, "-l")
	}
	args = append(args, "-c", command)
	return args
}
