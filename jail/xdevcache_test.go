package jail

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestXdevLinkCopiesAndLinksWithMetadataParity(t *testing.T) {
	srcDir := t.TempDir()
	linkDir := t.TempDir()
	dstDir := t.TempDir()

	srcFile := filepath.Join(srcDir, "payload")
	if err := os.WriteFile(srcFile, []byte("hello xdev"), 0640); err != nil {
		t.Fatal(err)
	}

	var ss unix.Stat_t
	if err := unix.Lstat(srcFile, &ss); err != nil {
		t.Fatal(err)
	}

	b := NewBuild(dstDir, 0, linkDir, false, NewTracer(os.Stderr, false))
	dstFile := filepath.Join(dstDir, "payload")

	if err := b.xdevLink(srcFile, dstFile, ss); err != nil {
		t.Fatalf("xdevLink: %v", err)
	}

	cached := linkDir + srcFile
	var cst unix.Stat_t
	if err := unix.Lstat(cached, &cst); err != nil {
		t.Fatalf("cache copy missing: %v", err)
	}
	if cst.Mode&07777 != ss.Mode&07777 {
		t.Errorf("cache copy mode = %o, want %o", cst.Mode&07777, ss.Mode&07777)
	}
	if cst.Uid != ss.Uid || cst.Gid != ss.Gid {
		t.Errorf("cache copy owner = %d:%d, want %d:%d", cst.Uid, cst.Gid, ss.Uid, ss.Gid)
	}
	if cst.Size != ss.Size {
		t.Errorf("cache copy size = %d, want %d", cst.Size, ss.Size)
	}
	if cst.Mtim != ss.Mtim {
		t.Errorf("cache copy mtime = %v, want %v", cst.Mtim, ss.Mtim)
	}

	var dstSt unix.Stat_t
	if err := unix.Lstat(dstFile, &dstSt); err != nil {
		t.Fatalf("destination missing: %v", err)
	}
	if dstSt.Ino != cst.Ino {
		t.Errorf("expected destination hardlinked to the cache copy, got different inodes")
	}
}

func TestXdevLinkReusesUpToDateCache(t *testing.T) {
	srcDir := t.TempDir()
	linkDir := t.TempDir()
	dstDir := t.TempDir()

	srcFile := filepath.Join(srcDir, "payload")
	if err := os.WriteFile(srcFile, []byte("hello xdev"), 0644); err != nil {
		t.Fatal(err)
	}
	var ss unix.Stat_t
	if err := unix.Lstat(srcFile, &ss); err != nil {
		t.Fatal(err)
	}

	b := NewBuild(dstDir, 0, linkDir, false, NewTracer(os.Stderr, false))
	firstDst := filepath.Join(dstDir, "first")
	if err := b.xdevLink(srcFile, firstDst, ss); err != nil {
		t.Fatalf("first xdevLink: %v", err)
	}

	cached := linkDir + srcFile
	var cstBefore unix.Stat_t
	if err := unix.Lstat(cached, &cstBefore); err != nil {
		t.Fatal(err)
	}

	secondDst := filepath.Join(dstDir, "second")
	if err := b.xdevLink(srcFile, secondDst, ss); err != nil {
		t.Fatalf("second xdevLink: %v", err)
	}

	var cstAfter unix.Stat_t
	if err := unix.Lstat(cached, &cstAfter); err != nil {
		t.Fatal(err)
	}
	if cstBefore.Ino != cstAfter.Ino {
		t.Errorf("expected the cache copy to be reused, not recreated")
	}

	var dstSt unix.Stat_t
	if err := unix.Lstat(secondDst, &dstSt); err != nil {
		t.Fatalf("second destination missing: %v", err)
	}
	if dstSt.Ino != cstAfter.Ino {
		t.Errorf("expected second destination hardlinked to the cache copy too")
	}
}

func TestXdevLinkRejectsCachedDirectory(t *testing.T) {
	srcDir := t.TempDir()
	linkDir := t.TempDir()
	dstDir := t.TempDir()

	srcFile := filepath.Join(srcDir, "payload")
	if err := os.WriteFile(srcFile, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	var ss unix.Stat_t
	if err := unix.Lstat(srcFile, &ss); err != nil {
		t.Fatal(err)
	}

	cachedDir := linkDir + srcFile
	if err := os.MkdirAll(cachedDir, 0755); err != nil {
		t.Fatal(err)
	}

	b := NewBuild(dstDir, 0, linkDir, false, NewTracer(os.Stderr, false))
	dstFile := filepath.Join(dstDir, "payload")
	if err := b.xdevLink(srcFile, dstFile, ss); err == nil {
		t.Fatal("expected an error when the cache path is already a directory")
	}
}
