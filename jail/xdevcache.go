package jail

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mrunalp/fileutils"
	"golang.org/x/sys/unix"
)

// xdevLink is the C6 cross-device link cache. When src's device
// differs from the jail's, the cache keeps a copy under b.LinkDir at
// the same path as src, with src's mode, owner and mtime, so repeated jails sharing a
// common source device only pay the copy cost once; every later jail
// just hardlinks to the cached copy.
func (b *Build) xdevLink(src, dst string, ss unix.Stat_t) error {
	cached := b.LinkDir + src

	var cst unix.Stat_t
	lerr := unix.Lstat(cached, &cst)
	upToDate := lerr == nil &&
		cst.Mode == ss.Mode &&
		cst.Uid == ss.Uid &&
		cst.Gid == ss.Gid &&
		cst.Size == ss.Size &&
		cst.Mtim == ss.Mtim

	if !upToDate {
		if lerr == nil && cst.Mode&unix.S_IFMT == unix.S_IFDIR {
			return fmt.Errorf("%s: is a directory", cached)
		}
		if err := b.copyForXdevLink(src, cached); err != nil {
			return err
		}
	}

	b.trace.Printf("ln %s %s", cached, dst)
	if !b.DryRun {
		if err := unix.Link(cached, dst); err != nil {
			return fmt.Errorf("link %s: %w", dst, err)
		}
	}
	return nil
}

// copyForXdevLink creates whatever superdirectories the cache needs
// (tracked in b.linkDirTable so repeated entries under one directory
// don't re-stat it) and copies src into the cache with metadata
// preserved, mirroring "cp -p" via fileutils.CopyFile plus explicit
// metadata normalization.
func (b *Build) copyForXdevLink(src, lnk string) error {
	pos := len(b.LinkDir)
	for {
		idx := strings.IndexByte(lnk[pos+1:], '/')
		if idx < 0 {
			break
		}
		pos = pos + 1 + idx
		super := lnk[:pos]
		if _, known := b.linkDirTable[super]; known {
			continue
		}
		var dst unix.Stat_t
		if err := unix.Lstat(super, &dst); err != nil {
			if err != unix.ENOENT {
				return fmt.Errorf("lstat %s: %w", super, err)
			}
			if err := unix.Mkdir(super, 0770); err != nil && err != unix.EEXIST {
				return fmt.Errorf("mkdir %s: %w", super, err)
			}
		} else if dst.Mode&unix.S_IFMT != unix.S_IFDIR {
			return fmt.Errorf("lstat %s: not a directory", super)
		}
		b.linkDirTable[super] = struct{}{}
	}

	var ss unix.Stat_t
	if err := unix.Lstat(src, &ss); err != nil {
		return fmt.Errorf("lstat %s: %w", src, err)
	}
	return copyPreservingMetadata(src, lnk, ss, b.trace, b.DryRun)
}

// copyPreservingMetadata is the shared "cp -p"-equivalent tail used both
// by the cross-device cache (C6) and by the plain-copy fallback of C5
// for `[cp]`-flagged or `-l`-less cross-device entries: content copy via
// fileutils.CopyFile, then explicit chmod/lchown/Chtimes to match the
// source's mode, ownership and mtime.
func copyPreservingMetadata(src, dst string, ss unix.Stat_t, trace *Tracer, dryRun bool) error {
	trace.Printf("cp -p %s %s", src, dst)
	if dryRun {
		return nil
	}
	if err := fileutils.CopyFile(src, dst); err != nil {
		return fmt.Errorf("cp -p %s: %w", dst, err)
	}
	if err := unix.Chmod(dst, ss.Mode&07777); err != nil {
		return fmt.Errorf("cp -p %s: %w", dst, err)
	}
	if err := unix.Lchown(dst, int(ss.Uid), int(ss.Gid)); err != nil {
		return fmt.Errorf("cp -p %s: %w", dst, err)
	}
	mtime := time.Unix(ss.Mtim.Sec, ss.Mtim.Nsec)
	if err := os.Chtimes(dst, mtime, mtime); err != nil {
		return fmt.Errorf("cp -p %s: %w", dst, err)
	}
	return nil
}
