package jail

import (
	"fmt"
	"os"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Teardown is the C8 non-destructive-elsewhere teardown engine: unmount
// everything the host currently has mounted under jailDir, then
// recursively unlink the jail tree, skipping any subtree whose
// mountpoint was just unmounted so a still-busy bind mount doesn't turn
// into a silent recursive delete of its target.
func Teardown(jailDir string, trace *Tracer, dryRun bool) error {
	root := jailDir
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}

	// PrefixFilter takes a cleaned path (no trailing slash) and also keeps
	// the mount at that path itself, which is not under the jail.
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(trimTrailingSlash(jailDir)))
	if err != nil {
		return fmt.Errorf("read mount table: %w", err)
	}

	unmounted := make(map[string]struct{})
	for _, info := range infos {
		if info.Mountpoint+"/" == root {
			continue
		}
		trace.Printf("umount -i -n %s", info.Mountpoint)
		if !dryRun {
			if err := unix.Unmount(info.Mountpoint, 0); err != nil {
				return fmt.Errorf("umount %s: %w", info.Mountpoint, err)
			}
		}
		unmounted[info.Mountpoint] = struct{}{}
	}

	rootFD, err := unix.Open(jailDir, unix.O_RDONLY, 0)
	if err != nil {
		if err == unix.ENOENT && dryRun {
			return nil
		}
		return fmt.Errorf("%s: %w", jailDir, err)
	}
	defer unix.Close(rootFD)

	return removeUnder(rootFD, root, unmounted, trace, dryRun)
}

func removeUnder(dirFD int, dirName string, unmounted map[string]struct{}, trace *Tracer, dryRun bool) error {
	fd, err := unix.Dup(dirFD)
	if err != nil {
		return fmt.Errorf("%s: %w", dirName, err)
	}
	f := os.NewFile(uintptr(fd), dirName)
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return fmt.Errorf("%s: %w", dirName, err)
	}

	for _, de := range entries {
		name := de.Name()
		if de.IsDir() {
			nextName := dirName + name
			if _, skip := unmounted[nextName]; skip {
				continue
			}
			nextFD, err := unix.Openat(dirFD, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
			if err != nil {
				return fmt.Errorf("%s: %w", nextName, err)
			}
			if err := removeUnder(nextFD, nextName+"/", unmounted, trace, dryRun); err != nil {
				unix.Close(nextFD)
				return err
			}
			unix.Close(nextFD)
		}

		op := "rm"
		flags := 0
		if de.IsDir() {
			op = "rmdir"
			flags = unix.AT_REMOVEDIR
		}
		trace.Printf("%s %s%s", op, dirName, name)
		if !dryRun {
			if err := unix.Unlinkat(dirFD, name, flags); err != nil {
				return fmt.Errorf("%s %s%s: %w", op, dirName, name, err)
			}
		}
	}
	return nil
}
