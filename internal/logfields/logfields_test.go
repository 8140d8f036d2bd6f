package logfields

import (
	"errors"
	"testing"
)

func TestErrorAttr(t *testing.T) {
	if a := Error(nil); a.Value.String() != "" {
		t.Fatalf("nil error should produce empty value, got %q", a.Value.String())
	}
	a := Error(errors.New("boom"))
	if a.Key != KeyError || a.Value.String() != "boom" {
		t.Fatalf("unexpected attr %v", a)
	}
}

func TestAttrKeys(t *testing.T) {
	cases := map[string]string{
		RunID("r").Key:     KeyRunID,
		Job("j").Key:       KeyJob,
		Container("c").Key: KeyContainer,
		CacheKey("k").Key:  KeyCacheKey,
		ExitCode(1).Key:    KeyExitCode,
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("key %q, want %q", got, want)
		}
	}
}
