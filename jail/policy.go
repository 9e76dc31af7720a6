package jail

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

const jailPolicyFile = "JAIL61"

// Authorization is the read-only context produced by C3: the ancestor
// superdir whose JAIL61 file's allowjail clause authorized JAILDIR, kept
// around for the "-m move" operation's re-validation (SPEC_FULL.md §12).
type Authorization struct {
	// Superdir is the matching allowjail PATH/, trailing slash included.
	Superdir string
}

// PolicyWalk holds the open directory handles and path components
// produced by WalkPolicy. RootFD and ParentFD are held open for the life
// of the process (SPEC_FULL.md §3 lifecycle note); callers are
// responsible for closing them at exit.
type PolicyWalk struct {
	RootFD    int
	ParentFD  int
	Parent    string
	Component string
	Auth      Authorization
}

// WalkPolicy is the C3 policy walker. It opens every ancestor of jailDir
// component-by-component using directory-handle-relative, O_NOFOLLOW
// opens — deliberately never a realpath-style re-resolving canonicalize,
// per the TOCTTOU posture in SPEC_FULL.md §9 — reads the JAIL61 file of
// every ancestor (so a nojail below the authorizing ancestor still
// refuses), and enforces that every ancestor up to the first allowjail
// match is owned by root. When allowCreate is true (the build+exec path), missing
// components below the authorizing ancestor are created with mkdirat.
func WalkPolicy(jailDir string, allowCreate bool) (*PolicyWalk, error) {
	rootFD := -1
	parentFD := -1
	var parent, component, superdir string
	foundSuperdir := false

	lastPos := 0
	for lastPos != len(jailDir) {
		nextPos := lastPos
		for nextPos != 0 && nextPos < len(jailDir) && jailDir[nextPos] != '/' {
			nextPos++
		}
		if nextPos == 0 {
			nextPos++
		}
		parent = jailDir[:lastPos]
		component = jailDir[lastPos:nextPos]
		superPrefix := jailDir[:nextPos]
		lastPos = nextPos
		for lastPos != len(jailDir) && jailDir[lastPos] == '/' {
			lastPos++
		}

		nextFD, operr := unix.Openat(rootFD, component, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if operr == unix.ENOENT && foundSuperdir && allowCreate {
			if merr := unix.Mkdirat(rootFD, component, 0755); merr != nil {
				closeWalkFDs(rootFD, parentFD)
				return nil, fmt.Errorf("mkdir %s: %w", superPrefix, merr)
			}
			nextFD, operr = unix.Openat(rootFD, component, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		}
		if operr != nil {
			closeWalkFDs(rootFD, parentFD)
			return nil, fmt.Errorf("%s: %w", superPrefix, operr)
		}

		if parentFD != -1 {
			_ = unix.Close(parentFD)
		}
		parentFD = rootFD
		rootFD = nextFD

		var st unix.Stat_t
		if ferr := unix.Fstat(rootFD, &st); ferr != nil {
			closeWalkFDs(rootFD, parentFD)
			return nil, fmt.Errorf("%s: %w", superPrefix, ferr)
		}
		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			closeWalkFDs(rootFD, parentFD)
			return nil, fmt.Errorf("%s: not a directory", superPrefix)
		}
		if st.Uid != 0 && !foundSuperdir {
			closeWalkFDs(rootFD, parentFD)
			return nil, fmt.Errorf("%s: not owned by root", superPrefix)
		}

		if len(parent) > 0 {
			found, newSuperdir, perr := readPolicyFile(rootFD, superPrefix, jailDir)
			if perr != nil {
				closeWalkFDs(rootFD, parentFD)
				return nil, perr
			}
			if found {
				foundSuperdir = true
				superdir = newSuperdir
			}
		}
	}

	if !foundSuperdir {
		closeWalkFDs(rootFD, parentFD)
		return nil, fmt.Errorf("%s: no JAIL61 above here contains allowjail %s", jailDir, jailDir)
	}

	return &PolicyWalk{
		RootFD:    rootFD,
		ParentFD:  parentFD,
		Parent:    parent,
		Component: component,
		Auth:      Authorization{Superdir: superdir},
	}, nil
}

func closeWalkFDs(fds ...int) {
	for _, fd := range fds {
		if fd != -1 {
			_ = unix.Close(fd)
		}
	}
}

// readPolicyFile opens and (if safe to trust) parses a JAIL61 file found
// directly inside dirFD. It returns found=true with the matching
// allowjail PATH/ when this ancestor's policy authorizes jailDir.
func readPolicyFile(dirFD int, superPrefix, jailDir string) (found bool, superdir string, err error) {
	fd, operr := unix.Openat(dirFD, jailPolicyFile, unix.O_RDONLY|unix.O_NOFOLLOW, 0)
	if operr != nil {
		if operr == unix.ENOENT || operr == unix.ELOOP {
			return false, "", nil
		}
		return false, "", fmt.Errorf("%s/%s: %w", superPrefix, jailPolicyFile, operr)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if ferr := unix.Fstat(fd, &st); ferr != nil {
		return false, "", fmt.Errorf("%s/%s: %w", superPrefix, jailPolicyFile, ferr)
	}
	if st.Uid != 0 || (st.Gid != 0 && st.Mode&unix.S_IWGRP != 0) || st.Mode&unix.S_IWOTH != 0 {
		logWarnf("%s/%s: ignoring, writable by non-root", superPrefix, jailPolicyFile)
		return false, "", nil
	}

	buf := make([]byte, 8192)
	n, rerr := unix.Read(fd, buf)
	if rerr != nil && n == 0 {
		return false, "", nil
	}
	return parseJAIL61(string(buf[:n]), jailDir, superPrefix)
}

// parseJAIL61 implements the record grammar of §4.3/§6: one VERB [PATH/]
// record per line, extra words tolerated and ignored (SPEC_FULL.md §12).
// A matching nojail record is fatal immediately; allowjail records are
// scanned to the end of file, with the last match winning, matching the
// original's non-short-circuiting loop.
func parseJAIL61(content, jailDir, superPrefix string) (found bool, superdir string, err error) {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		verb := fields[0]
		var arg string
		if len(fields) > 1 {
			arg = fields[1]
		}
		if arg != "" && !strings.HasSuffix(arg, "/") {
			arg += "/"
		}
		dirMatch := arg != "" && strings.HasPrefix(jailDir, arg)

		switch {
		case verb == "nojail" && arg == "":
			return false, "", fmt.Errorf("%s/%s: jails are not allowed under here", superPrefix, jailPolicyFile)
		case verb == "nojail" && dirMatch:
			return false, "", fmt.Errorf("%s/%s: jails are not allowed under %s", superPrefix, jailPolicyFile, arg)
		case verb == "allowjail" && dirMatch:
			found = true
			superdir = arg
		}
	}
	return found, superdir, nil
}
