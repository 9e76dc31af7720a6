package jail

import (
	"strings"

	"golang.org/x/sys/unix"
)

// allowedNameChars mirrors execjail.cc's check_filename allowed_chars table.
// The leading '/' is conditionally dropped when slashes are disallowed.
const allowedNameChars = "/0123456789-._ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz~"

// CheckFilename is the C1 path & name validator. It rejects names
// containing characters outside the allowed set, names beginning with
// '~', any ".." path component, absolute paths when disallowed, and
// names of length 1024 or more. It has no side effects.
func CheckFilename(name string, allowSlash, allowAbsolute bool) bool {
	allowed := allowedNameChars
	if !allowSlash {
		allowed = allowed[1:]
	}

	for i := 0; i < len(name); i++ {
		if strings.IndexByte(allowed, name[i]) < 0 {
			return false
		}
	}
	if len(name) > 0 && name[0] == '~' {
		return false
	}

	rest := name
	offset := 0
	for {
		idx := strings.Index(rest, "..")
		if idx < 0 {
			break
		}
		abs := offset + idx
		atStart := abs == 0 || name[abs-1] == '/'
		atEnd := abs+2 == len(name) || name[abs+2] == '/'
		if atStart && atEnd {
			return false
		}
		rest = name[abs+2:]
		offset = abs + 2
	}

	if !allowAbsolute && len(name) > 0 && name[0] == '/' {
		return false
	}

	if len(name) >= 1024 {
		return false
	}

	return true
}

// ClosestAncestorDev walks up path stripping the last component at each
// step until lstat succeeds, and returns that ancestor's device number.
// Used to decide whether a manifest source can be hardlinked straight
// into the jail (C5) or must go through the cross-device cache (C6).
func ClosestAncestorDev(path string) (uint64, error) {
	dir := path
	for {
		var st unix.Stat_t
		err := unix.Lstat(dir, &st)
		if err == nil {
			return uint64(st.Dev), nil
		}
		if err != unix.ENOENT {
			return 0, err
		}
		idx := strings.LastIndexByte(dir, '/')
		if idx <= 0 {
			if idx == 0 && dir != "/" {
				dir = "/"
				continue
			}
			return 0, err
		}
		dir = dir[:idx]
	}
}
