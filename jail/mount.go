package jail

import (
	"fmt"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// MountEntry is a single entry of the host mount snapshot M (SPEC_FULL.md
// §3). Flags holds the recognized option bitmask; Options holds whatever
// is left over, passed verbatim as mount(2)'s data argument on replay.
type MountEntry struct {
	Source  string
	FSType  string
	Options string
	Flags   uintptr
	Allowed bool
}

// MountTable is the host mount snapshot M, keyed by mountpoint.
type MountTable map[string]MountEntry

// mountFlagsByToken mirrors execjail.cc's mountargs table: every option
// token recognized here is folded into the flag word instead of being
// passed through as free-form mount data.
var mountFlagsByToken = map[string]uintptr{
	"nosuid":      unix.MS_NOSUID,
	"nodev":       unix.MS_NODEV,
	"noexec":      unix.MS_NOEXEC,
	"ro":          unix.MS_RDONLY,
	"rw":          0,
	"noatime":     unix.MS_NOATIME,
	"nodiratime":  unix.MS_NODIRATIME,
	"relatime":    unix.MS_RELATIME,
	"strictatime": unix.MS_STRICTATIME,
}

// allowMount is the §3 mount-replay whitelist: only these four
// (mountpoint, fstype) pairs are ever allowed=true.
func allowMount(dest, fstype string) bool {
	switch dest {
	case "/proc":
		return fstype == "proc"
	case "/sys":
		return fstype == "sysfs"
	case "/dev":
		return fstype == "udev"
	case "/dev/pts":
		return fstype == "devpts"
	}
	return false
}

// ReadMountTable snapshots the live host mount view (C2). It is soft-fail:
// a read error is returned to the caller, who decides whether that is
// fatal for the current operation (build vs teardown treat it
// differently per SPEC_FULL.md §7).
func ReadMountTable() (MountTable, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}

	table := make(MountTable, len(infos))
	for _, info := range infos {
		var flags uintptr
		var residual []string
		for _, tok := range strings.Split(info.Options, ",") {
			if tok == "" {
				continue
			}
			if f, ok := mountFlagsByToken[tok]; ok {
				flags |= f
			} else {
				residual = append(residual, tok)
			}
		}
		table[info.Mountpoint] = MountEntry{
			Source:  info.Source,
			FSType:  info.FSType,
			Options: strings.Join(residual, ","),
			Flags:   flags,
			Allowed: allowMount(info.Mountpoint, info.FSType),
		}
	}
	return table, nil
}

// replayMount invokes mount(2) to recreate a pseudo-filesystem mount
// inside the jail, tracing the same pseudo-shell token the original
// emits: `mount -i -n -t TYPE [-o OPTS] SRC DST`.
func (b *Build) replayMount(entry MountEntry, dst string) error {
	optClause := ""
	if entry.Options != "" {
		optClause = " -o " + entry.Options
	}
	b.trace.Printf("mount -i -n -t %s%s %s %s", entry.FSType, optClause, entry.Source, dst)
	if b.DryRun {
		return nil
	}
	if err := unix.Mount(entry.Source, dst, entry.FSType, entry.Flags, entry.Options); err != nil {
		b.recordError(dst, fmt.Errorf("mount: %w", err))
		return nil
	}
	return nil
}
