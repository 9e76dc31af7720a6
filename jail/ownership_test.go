package jail

import "testing"

func TestHomeMapFromPrefersHomeDirBasename(t *testing.T) {
	entries := []passwdEntry{
		{name: "jdoe", dir: "/home/jane", uid: 1001, gid: 1001},
		{name: "svc-backup", dir: "/var/lib/backup", uid: 200, gid: 200},
		{name: "nested", dir: "/home/team/nested", uid: 300, gid: 300},
	}
	m := homeMapFrom(entries)

	if ug, ok := m["jane"]; !ok || ug != [2]int{1001, 1001} {
		t.Errorf("expected jane -> (1001,1001), got %v, ok=%v", ug, ok)
	}
	if ug, ok := m["svc-backup"]; !ok || ug != [2]int{200, 200} {
		t.Errorf("expected fallback to login name for non-/home account, got %v, ok=%v", ug, ok)
	}
	if _, ok := m["nested"]; !ok {
		t.Errorf("expected fallback to login name for nested home directory")
	}
	if ug := m["nested"]; ug != [2]int{300, 300} {
		t.Errorf("expected nested -> (300,300), got %v", ug)
	}
}

func TestUidGidNameFallsBackToNumeric(t *testing.T) {
	got := uidGidName(999999, 999999)
	if got == "" {
		t.Error("uidGidName returned empty string")
	}
}
