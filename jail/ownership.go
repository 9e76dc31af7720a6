package jail

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PaintOwnership is the C7 ownership painter. It recursively chowns
// everything under root to uid/gid, except that at depth 1 directly
// under a path ending in "/home" each entry matching a known local
// account's home-directory basename is chowned to that account instead
// — so a freshly built jail's /home/<user> already belongs to the
// right person without a second pass.
func PaintOwnership(root string, uid, gid int, trace *Tracer, dryRun bool) error {
	return paintRecursive(root, 0, uid, gid, trace, dryRun)
}

func paintRecursive(dir string, depth int, uid, gid int, trace *Tracer, dryRun bool) error {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}

	var homeMap map[string][2]int
	if depth == 1 && strings.HasSuffix(dir[:len(dir)-1], "/home") {
		homeMap = buildHomeMap()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) && depth == 0 && dryRun {
			return nil
		}
		return fmt.Errorf("%s: %w", dir, err)
	}

	for _, de := range entries {
		name := de.Name()
		path := dir + name

		if de.Type()&os.ModeSymlink != 0 {
			if err := chownTraced(path, uid, gid, trace, dryRun); err != nil {
				return err
			}
			continue
		}

		u, g := uid, gid
		if homeMap != nil {
			if ug, ok := homeMap[name]; ok {
				u, g = ug[0], ug[1]
			}
		}
		if err := chownTraced(path, u, g, trace, dryRun); err != nil {
			return err
		}

		if de.IsDir() {
			if err := paintRecursive(path, depth+1, u, g, trace, dryRun); err != nil {
				return err
			}
		}
	}

	return nil
}

func chownTraced(path string, uid, gid int, trace *Tracer, dryRun bool) error {
	trace.Printf("chown -h %s %s", uidGidName(uid, gid), path)
	if dryRun {
		return nil
	}
	if err := unix.Lchown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}

func uidGidName(uid, gid int) string {
	uname := strconv.Itoa(uid)
	if u, err := user.LookupId(uname); err == nil {
		uname = u.Username
	}
	gname := strconv.Itoa(gid)
	if g, err := user.LookupGroupId(gname); err == nil {
		gname = g.Name
	}
	return uname + ":" + gname
}

// buildHomeMap replicates chown_recursive's setpwent/getpwent walk: it
// maps each local account's home-directory basename under /home to its
// uid/gid, falling back to the account's login name when its home
// directory isn't directly under /home.
func buildHomeMap() map[string][2]int {
	passwdEntries, err := readPasswdHomes()
	if err != nil {
		return make(map[string][2]int)
	}
	return homeMapFrom(passwdEntries)
}

func homeMapFrom(entries []passwdEntry) map[string][2]int {
	m := make(map[string][2]int)
	for _, pw := range entries {
		name := pw.name
		if strings.HasPrefix(pw.dir, "/home/") && !strings.Contains(pw.dir[6:], "/") {
			name = pw.dir[6:]
		}
		m[name] = [2]int{pw.uid, pw.gid}
	}
	return m
}

type passwdEntry struct {
	name string
	dir  string
	uid  int
	gid  int
}

// readPasswdHomes reads the full local account database. os/user has no
// "list all accounts" API (it only looks up one at a time), so this
// reads /etc/passwd directly the way getpwent does, rather than
// shelling out or hand-rolling an nss client.
func readPasswdHomes() ([]passwdEntry, error) {
	data, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return nil, err
	}
	var out []passwdEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 6 {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			continue
		}
		out = append(out, passwdEntry{name: fields[0], dir: fields[5], uid: uid, gid: gid})
	}
	return out, nil
}
