package main

import (
	"os"

	"github.com/spf13/pflag"
)

// config mirrors execjail's goto-driven argument loop (SPEC_FULL.md
// §6), expressed as a conventional flag set. Positional arguments are
// consumed after flag parsing the way getopt-style CLIs in this
// ecosystem normally do.
type config struct {
	teardown bool
	force    bool
	verbose  bool
	linkDir  string
	dryRun   bool
	makePty  bool
	live     bool
	move     bool

	jailDir string
	rest    []string
}

func parseConfig(argv []string) (*config, error) {
	fs := pflag.NewFlagSet("execjail", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	c := &config{}
	fs.BoolVarP(&c.teardown, "teardown", "d", false, "tear down an existing jail before (or instead of) building")
	fs.BoolVarP(&c.force, "force", "f", false, "reserved, currently a no-op")
	fs.BoolVarP(&c.verbose, "verbose", "V", false, "trace every filesystem operation")
	fs.StringVarP(&c.linkDir, "link-dir", "l", "", "cross-device hardlink cache directory")
	fs.BoolVarP(&c.dryRun, "dry-run", "n", false, "trace operations without performing them (implies verbose)")
	fs.BoolVarP(&c.makePty, "pty", "t", false, "allocate a pseudo-terminal for the jailed command")
	fs.BoolVarP(&c.live, "live", "s", false, "attach the jailed command to the caller's controlling terminal")
	fs.BoolVarP(&c.move, "move", "m", false, "move the jail directory instead of building or running anything")

	if v := os.Getenv("EXECJAIL_VERBOSE"); v == "1" {
		c.verbose = true
	}

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	if c.dryRun {
		c.verbose = true
	}

	c.rest = fs.Args()
	if len(c.rest) == 0 {
		return nil, usageError{}
	}
	c.jailDir = c.rest[0]
	c.rest = c.rest[1:]
	return c, nil
}

type usageError struct{}

func (usageError) Error() string { return "usage" }

func printUsage() {
	os.Stderr.WriteString("Usage: execjail [-n | -V] [-l LINKDIR] [-t] [-d] JAILDIR USER COMMAND < MANIFEST\n")
	os.Stderr.WriteString("       execjail -m JAILDIR NEWNAME\n")
	os.Stderr.WriteString("       execjail -d JAILDIR\n")
}
