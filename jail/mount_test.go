package jail

import "testing"

func TestAllowMount(t *testing.T) {
	cases := []struct {
		dest, fstype string
		want         bool
	}{
		{"/proc", "proc", true},
		{"/proc", "tmpfs", false},
		{"/sys", "sysfs", true},
		{"/dev", "udev", true},
		{"/dev/pts", "devpts", true},
		{"/dev/shm", "tmpfs", false},
		{"/home", "ext4", false},
	}
	for _, c := range cases {
		if got := allowMount(c.dest, c.fstype); got != c.want {
			t.Errorf("allowMount(%q, %q) = %v, want %v", c.dest, c.fstype, got, c.want)
		}
	}
}

func TestDevName(t *testing.T) {
	if got := devName(0_020000, 0); got == "" {
		t.Error("devName(char) returned empty string")
	}
	if got := devName(0_010000, 0); got != "p" {
		t.Errorf("devName(fifo) = %q, want %q", got, "p")
	}
}
