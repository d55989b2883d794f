package envutil

import (
	"testing"
	"time"
)

func TestIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("ENVUTIL_TEST_INT", "not-a-number")
	if got := Int("ENVUTIL_TEST_INT", 7); got != 7 {
		t.Fatalf("Int: want=7 got=%d", got)
	}
	t.Setenv("ENVUTIL_TEST_INT", " 42 ")
	if got := Int("ENVUTIL_TEST_INT", 7); got != 42 {
		t.Fatalf("Int: want=42 got=%d", got)
	}
}

func TestBool(t *testing.T) {
	cases := map[string]bool{"1": true, "yes": true, "off": false, "FALSE": false, "maybe": true}
	for raw, want := range cases {
		t.Setenv("ENVUTIL_TEST_BOOL", raw)
		if got := Bool("ENVUTIL_TEST_BOOL", true); got != want {
			t.Fatalf("Bool(%q): want=%v got=%v", raw, want, got)
		}
	}
}

func TestSecondsClampsNegative(t *testing.T) {
	t.Setenv("ENVUTIL_TEST_SECONDS", "-5")
	if got := Seconds("ENVUTIL_TEST_SECONDS", 3); got != 0 {
		t.Fatalf("Seconds: want=0 got=%s", got)
	}
	t.Setenv("ENVUTIL_TEST_SECONDS", "")
	if got := Seconds("ENVUTIL_TEST_SECONDS", 3); got != 3*time.Second {
		t.Fatalf("Seconds: want=3s got=%s", got)
	}
}
