package jail

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Materialize is the C5 entry point: it places one manifest source at
// dst inside the jail, creating missing parent directories on demand
// when their tail matches src's tail (mirroring handle_copy's
// check_parents heuristic), then dispatches on the source's file type.
//
// The D-gate (b.dst) is populated immediately on entry, before any
// recursive call or syscall, exactly where the original inserts into
// dst_table — this is what keeps plain recursion here safe from
// infinite loops on manifest or symlink cycles.
func (b *Build) Materialize(src, dst string, checkParents bool, flags EntryFlags) error {
	if _, seen := b.dst[dst]; seen {
		return nil
	}
	b.dst[dst] = struct{}{}

	if checkParents {
		b.fillMissingParent(src, dst)
	}

	var ss unix.Stat_t
	if err := unix.Lstat(src, &ss); err != nil {
		b.recordError(src, fmt.Errorf("lstat: %w", err))
		return nil
	}

	switch ss.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return b.materializeRegular(src, dst, ss, flags)
	case unix.S_IFDIR:
		return b.materializeDir(src, dst, ss)
	case unix.S_IFCHR, unix.S_IFBLK, unix.S_IFIFO:
		return b.materializeSpecial(src, dst, ss)
	case unix.S_IFLNK:
		return b.materializeSymlink(src, dst, ss)
	default:
		b.recordError(src, fmt.Errorf("odd file type"))
		return nil
	}
}

// fillMissingParent recreates handle_copy's lazy parent creation: if
// dst's tail matches src's tail, and dst's parent directory does not
// yet exist, materialize the matching parent pair first.
func (b *Build) fillMissingParent(src, dst string) {
	lastSlash := strings.LastIndexByte(dst, '/')
	if lastSlash <= 0 || lastSlash == len(dst)-1 {
		return
	}
	tailLen := len(dst) - lastSlash
	if len(src) <= tailLen || src[len(src)-tailLen:] != dst[len(dst)-tailLen:] {
		return
	}
	dstDir := dst[:lastSlash]
	if _, err := os.Lstat(dstDir); err == nil || !os.IsNotExist(err) {
		return
	}
	_ = b.Materialize(src[:len(src)-tailLen], dstDir, true, 0)
}

func (b *Build) materializeRegular(src, dst string, ss unix.Stat_t, flags EntryFlags) error {
	if flags&FlagCP == 0 && uint64(ss.Dev) == b.JailDev {
		b.trace.Printf("ln %s %s", src, dst)
		if !b.DryRun {
			if err := b.linkWithSymlinkTolerance(src, dst); err != nil {
				b.recordError(dst, fmt.Errorf("link: %w", err))
				return nil
			}
		}
		return nil
	}

	if b.LinkDir == "" {
		if err := copyPreservingMetadata(src, dst, ss, b.trace, b.DryRun); err != nil {
			b.recordError(dst, err)
		}
		return nil
	}
	if err := b.xdevLink(src, dst, ss); err != nil {
		b.recordError(dst, err)
		return nil
	}
	return nil
}

func (b *Build) materializeDir(src, dst string, ss unix.Stat_t) error {
	perm := ss.Mode & (unix.S_ISUID | unix.S_ISGID | 0777)
	b.trace.Printf("mkdir -m 0%o %s", perm, dst)

	created := false
	if !b.DryRun {
		if err := unix.Mkdir(dst, uint32(perm)); err == nil {
			created = true
		} else if err != unix.EEXIST {
			b.recordError(dst, fmt.Errorf("mkdir: %w", err))
			return nil
		} else {
			var dst_ unix.Stat_t
			if lerr := unix.Lstat(dst, &dst_); lerr != nil {
				b.recordError(dst, fmt.Errorf("lstat: %w", lerr))
				return nil
			}
			if dst_.Mode&unix.S_IFMT != unix.S_IFDIR {
				b.recordError(dst, fmt.Errorf("not a directory"))
				return nil
			}
		}
	} else {
		created = true
	}

	if created {
		b.chmodChown(dst, ss)
	}

	b.replayMountIfAny(src, dst)
	return nil
}

func (b *Build) materializeSpecial(src, dst string, ss unix.Stat_t) error {
	mode := ss.Mode & (unix.S_IFMT | unix.S_ISUID | unix.S_ISGID | 0777)
	b.trace.Printf("mknod -m 0%o %s %s", mode, dst, devName(ss.Mode, uint64(ss.Rdev)))
	if b.DryRun {
		return nil
	}
	if err := unix.Mknod(dst, mode, int(ss.Rdev)); err != nil {
		b.recordError(dst, fmt.Errorf("mknod: %w", err))
		return nil
	}
	b.chmodChown(dst, ss)
	return nil
}

func (b *Build) materializeSymlink(src, dst string, ss unix.Stat_t) error {
	target, err := os.Readlink(src)
	if err != nil {
		b.recordError(src, fmt.Errorf("readlink: %w", err))
		return nil
	}
	if len(target) >= 4096 {
		b.recordError(src, fmt.Errorf("symbolic link too long"))
		return nil
	}

	b.trace.Printf("ln -s %s %s", target, dst)
	if !b.DryRun {
		if err := unix.Symlink(target, dst); err != nil {
			b.recordError(src, fmt.Errorf("symlink: %w", err))
			return nil
		}
	}
	b.chmodChown(dst, ss)

	b.followSymlinkTarget(src, dst, target)
	return nil
}

// followSymlinkTarget expands a relative symlink target by climbing
// both src and dst one component at a time (mirroring
// handle_symlink_dst exactly), then materializes whatever it resolves
// to so the jail actually contains the thing the link points at.
func (b *Build) followSymlinkTarget(src, dst, target string) {
	dstLnkIn := dst

	var newSrc, newDst string
	if strings.HasPrefix(target, "/") {
		newSrc = target
		newDst = b.JailDir + target
	} else {
		for {
			if len(src) == 1 {
				return
			}
			srcSlash := strings.LastIndexByte(src[:len(src)-1], '/')
			dstSlash := strings.LastIndexByte(dst[:len(dst)-1], '/')
			if srcSlash < 0 || dstSlash < 0 || dstSlash < len(b.JailDir) {
				return
			}
			src = src[:srcSlash+1]
			dst = dst[:dstSlash+1]
			if strings.HasPrefix(target, "../") {
				target = target[3:]
			} else {
				break
			}
		}
		newSrc = src + target
		newDst = dst + target
	}

	if strings.HasPrefix(newDst[len(b.JailDir):], "/proc/") {
		return
	}

	var st unix.Stat_t
	if err := unix.Lstat(newSrc, &st); err != nil {
		return
	}
	if err := b.Materialize(newSrc, newDst, true, 0); err != nil {
		return
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		b.lnk[newDst] = append(b.lnk[newDst], dstLnkIn)
		b.lnk[dstLnkIn] = append(b.lnk[dstLnkIn], newDst)
	}
}

// chmodChown normalizes mode/ownership on a just-created destination to
// match the source, matching handle_copy's trailing chmod/chown step.
// chmod(2) always follows symlinks, so a symlink destination whose
// target isn't materialized yet would make that call fail on ENOENT;
// the original sidesteps this entirely by recording ds.st_mode =
// ss.st_mode right after symlink(2) so its later mode-mismatch guard
// around x_chmod is never true for a symlink. chmod and lchown are
// also independent checks in the original (two separate `if`s keyed on
// mode and uid/gid respectively), so a chmod failure must never
// suppress the lchown call.
func (b *Build) chmodChown(dst string, ss unix.Stat_t) {
	if b.DryRun {
		return
	}
	if ss.Mode&unix.S_IFMT != unix.S_IFLNK {
		if err := unix.Chmod(dst, ss.Mode&07777); err != nil {
			b.recordError(dst, fmt.Errorf("chmod: %w", err))
		}
	}
	if err := unix.Lchown(dst, int(ss.Uid), int(ss.Gid)); err != nil {
		b.recordError(dst, fmt.Errorf("chown: %w", err))
	}
}

// linkWithSymlinkTolerance calls link(2), tolerating EEXIST when the
// existing destination is reachable via a directory-level symlink
// equivalence recorded in b.lnk (L), matching x_link_eexist_ok.
func (b *Build) linkWithSymlinkTolerance(src, dst string) error {
	err := unix.Link(src, dst)
	if err == nil || err != unix.EEXIST {
		return err
	}
	if b.linkEexistOK(dst) {
		return nil
	}
	return err
}

func (b *Build) linkEexistOK(dst string) bool {
	pos := len(dst) + 1
	for pos != 0 {
		slash := strings.LastIndexByte(dst[:pos-1], '/')
		if slash < 0 {
			return false
		}
		dstDir := dst[:slash]
		for _, equiv := range b.lnk[dstDir] {
			cand := equiv + dst[slash:]
			if _, ok := b.dst[cand]; ok {
				return true
			}
		}
		pos = slash
	}
	return false
}

func (b *Build) replayMountIfAny(src, dst string) {
	entry, ok := b.mounts[src]
	if !ok || !entry.Allowed {
		return
	}
	_ = b.replayMount(entry, dst)
}

func devName(mode uint32, dev uint64) string {
	switch mode & unix.S_IFMT {
	case unix.S_IFCHR:
		return fmt.Sprintf("c %d %d", unix.Major(dev), unix.Minor(dev))
	case unix.S_IFBLK:
		return fmt.Sprintf("b %d %d", unix.Major(dev), unix.Minor(dev))
	case unix.S_IFIFO:
		return "p"
	default:
		return fmt.Sprintf("%d %d", mode, dev)
	}
}
