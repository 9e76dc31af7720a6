package jail

import (
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, r *ManifestReader) []ManifestEntry {
	t.Helper()
	var entries []ManifestEntry
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestManifestReaderBareName(t *testing.T) {
	r := NewManifestReader(strings.NewReader("bin/ls\n"), "/jail")
	entries := readAll(t, r)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Src != "/bin/ls" || e.Dst != "/jail/bin/ls" {
		t.Errorf("got src=%q dst=%q", e.Src, e.Dst)
	}
}

func TestManifestReaderDirectoryContext(t *testing.T) {
	r := NewManifestReader(strings.NewReader("usr/lib:\nlibc.so\n"), "/jail")
	entries := readAll(t, r)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Src != "/usr/lib/libc.so" {
		t.Errorf("src = %q, want /usr/lib/libc.so", e.Src)
	}
	if e.Dst != "/jail/usr/lib/libc.so" {
		t.Errorf("dst = %q, want /jail/usr/lib/libc.so", e.Dst)
	}
}

func TestManifestReaderArrowRelative(t *testing.T) {
	r := NewManifestReader(strings.NewReader("etc/passwd:\npasswd <- shadow-passwd\n"), "/jail")
	entries := readAll(t, r)
	e := entries[0]
	if e.Src != "/etc/passwd/shadow-passwd" {
		t.Errorf("src = %q, want /etc/passwd/shadow-passwd", e.Src)
	}
	if e.Dst != "/jail/etc/passwd/passwd" {
		t.Errorf("dst = %q, want /jail/etc/passwd/passwd", e.Dst)
	}
}

func TestManifestReaderArrowAbsoluteSrc(t *testing.T) {
	r := NewManifestReader(strings.NewReader("passwd <- /etc/master.passwd\n"), "/jail")
	entries := readAll(t, r)
	e := entries[0]
	if e.Src != "/etc/master.passwd" {
		t.Errorf("src = %q, want /etc/master.passwd", e.Src)
	}
	if e.Dst != "/jail/passwd" {
		t.Errorf("dst = %q, want /jail/passwd", e.Dst)
	}
}

// A leading "/" on the DST side of "DST <- SRC" must not be treated as an
// absolute host path: DST is always relative to curdstdir, never an escape
// hatch out of the jail.
func TestManifestReaderArrowDstLeadingSlashStaysUnderJail(t *testing.T) {
	r := NewManifestReader(strings.NewReader("/etc/shadow <- payload\n"), "/jail")
	entries := readAll(t, r)
	e := entries[0]
	if e.Dst != "/jail/etc/shadow" {
		t.Errorf("dst = %q, want /jail/etc/shadow", e.Dst)
	}
	if e.Absolute {
		t.Errorf("expected Absolute=false for the arrow form")
	}
	if e.Src != "/payload" {
		t.Errorf("src = %q, want /payload", e.Src)
	}
}

func TestManifestReaderAbsoluteDst(t *testing.T) {
	r := NewManifestReader(strings.NewReader("/etc/resolv.conf\n"), "/jail")
	entries := readAll(t, r)
	e := entries[0]
	if !e.Absolute {
		t.Errorf("expected Absolute=true")
	}
	if e.Src != "/etc/resolv.conf" || e.Dst != "/jail/etc/resolv.conf" {
		t.Errorf("got src=%q dst=%q", e.Src, e.Dst)
	}
}

func TestManifestReaderFlags(t *testing.T) {
	r := NewManifestReader(strings.NewReader("bin/busybox [cp]\n"), "/jail")
	entries := readAll(t, r)
	e := entries[0]
	if e.Flags&FlagCP == 0 {
		t.Errorf("expected FlagCP set")
	}
	if e.Src != "/bin/busybox" {
		t.Errorf("src = %q, want /bin/busybox", e.Src)
	}
}

func TestManifestReaderSkipsBlankLines(t *testing.T) {
	r := NewManifestReader(strings.NewReader("\n\nbin/sh\n\n"), "/jail")
	entries := readAll(t, r)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
}
