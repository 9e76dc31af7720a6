package main

import "testing"

func TestParseConfigBasicBuildAndExec(t *testing.T) {
	cfg, err := parseConfig([]string{"/srv/jails/student1", "student1", "make check"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.jailDir != "/srv/jails/student1" {
		t.Errorf("jailDir = %q", cfg.jailDir)
	}
	if len(cfg.rest) != 2 || cfg.rest[0] != "student1" || cfg.rest[1] != "make check" {
		t.Errorf("rest = %v", cfg.rest)
	}
}

func TestParseConfigDryRunImpliesVerbose(t *testing.T) {
	cfg, err := parseConfig([]string{"-n", "/srv/jails/student1", "student1", "true"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if !cfg.dryRun || !cfg.verbose {
		t.Errorf("expected dryRun and verbose both set, got dryRun=%v verbose=%v", cfg.dryRun, cfg.verbose)
	}
}

func TestParseConfigMoveForm(t *testing.T) {
	cfg, err := parseConfig([]string{"-m", "/srv/jails/student1", "/srv/jails/archive"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if !cfg.move {
		t.Error("expected move=true")
	}
	if len(cfg.rest) != 1 || cfg.rest[0] != "/srv/jails/archive" {
		t.Errorf("rest = %v", cfg.rest)
	}
}

func TestParseConfigTeardownOnly(t *testing.T) {
	cfg, err := parseConfig([]string{"-d", "/srv/jails/student1"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if !cfg.teardown {
		t.Error("expected teardown=true")
	}
	if len(cfg.rest) != 0 {
		t.Errorf("rest = %v, want none", cfg.rest)
	}
}

func TestParseConfigRequiresJailDir(t *testing.T) {
	if _, err := parseConfig(nil); err == nil {
		t.Fatal("expected an error when no jail directory is given")
	}
}
