package jail

import "testing"

func TestCheckFilename(t *testing.T) {
	cases := []struct {
		name          string
		allowSlash    bool
		allowAbsolute bool
		want          bool
	}{
		{"etc/passwd", true, false, true},
		{"etc/passwd", false, false, false},
		{"/etc/passwd", true, true, true},
		{"/etc/passwd", true, false, false},
		{"..", true, true, false},
		{"../etc", true, true, false},
		{"etc/../passwd", true, true, false},
		{"foo..bar", true, true, true},
		{"foo...bar", true, true, true},
		{"..foo", true, true, true},
		{"~root", true, true, false},
		{"foo~bar", true, true, true},
		{"", true, true, true},
		{"name with spaces", true, true, false},
	}

	for _, c := range cases {
		if got := CheckFilename(c.name, c.allowSlash, c.allowAbsolute); got != c.want {
			t.Errorf("CheckFilename(%q, %v, %v) = %v, want %v", c.name, c.allowSlash, c.allowAbsolute, got, c.want)
		}
	}
}

func TestCheckFilenameLongName(t *testing.T) {
	long := make([]byte, 1024)
	for i := range long {
		long[i] = 'a'
	}
	if CheckFilename(string(long), true, true) {
		t.Error("expected name of length 1024 to be rejected")
	}
	if !CheckFilename(string(long[:1023]), true, true) {
		t.Error("expected name of length 1023 to be accepted")
	}
}

func TestClosestAncestorDevExistingPath(t *testing.T) {
	dev, err := ClosestAncestorDev("/")
	if err != nil {
		t.Fatalf("ClosestAncestorDev(/): %v", err)
	}
	if dev == 0 && err == nil {
		// dev 0 is plausible for some overlay roots; just exercise the
		// no-error path rather than assert a specific number.
		t.Log("root device reported as 0")
	}
}
