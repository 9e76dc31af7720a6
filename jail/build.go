package jail

// Build is the explicit context object SPEC_FULL.md §9 calls for in place
// of the reference's process-global D/L/M/K/U/exit_value state. One Build
// is constructed per invocation and lives for the duration of C5 (and,
// for U, through C8 teardown).
type Build struct {
	// JailDir is the canonicalized absolute jail root (no trailing slash
	// unless it is "/").
	JailDir string
	// JailDev is the device number of JAILDIR's closest existing
	// ancestor, used to decide hardlink-eligibility in C5.
	JailDev uint64
	// LinkDir is the cross-device cache root (C6); empty disables it.
	LinkDir string

	DryRun bool

	trace *Tracer

	dst          map[string]struct{}   // D: destinations already materialized
	lnk          map[string][]string   // L: symlink-equivalence multimap
	mounts       MountTable            // M: host mount snapshot
	linkDirTable map[string]struct{}   // K: cross-device cache directory index
	unmounted    map[string]struct{}   // U: mountpoints unmounted during teardown

	errs []error
}

// NewBuild constructs a Build context. jailDev is typically obtained via
// ClosestAncestorDev(jaildir).
func NewBuild(jailDir string, jailDev uint64, linkDir string, dryRun bool, trace *Tracer) *Build {
	return &Build{
		JailDir:      trimTrailingSlash(jailDir),
		JailDev:      jailDev,
		LinkDir:      linkDir,
		DryRun:       dryRun,
		trace:        trace,
		dst:          make(map[string]struct{}),
		lnk:          make(map[string][]string),
		linkDirTable: make(map[string]struct{}),
		unmounted:    make(map[string]struct{}),
	}
}

func trimTrailingSlash(p string) string {
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// SetMounts installs the host mount snapshot M, read once via
// ReadMountTable before construction begins.
func (b *Build) SetMounts(m MountTable) { b.mounts = m }
