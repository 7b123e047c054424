package passphrase

import (
	"bytes"
	"strings"
	"testing"
)

func testSource(env map[string]string, terminal bool, secret string) (*Source, *int) {
	reads := 0
	s := NewSource("LENDCTL_PASSPHRASE", "wallet")
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.isTerminal = func() bool { return terminal }
	s.readSecret = func() ([]byte, error) {
		reads++
		return []byte(secret), nil
	}
	s.prompt = &bytes.Buffer{}
	return s, &reads
}

func TestEnvironmentWins(t *testing.T) {
	s, reads := testSource(map[string]string{"LENDCTL_PASSPHRASE": "hunter2"}, true, "ignored")
	got, err := s.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if *reads != 0 {
		t.Fatalf("terminal should not be read when the environment is set")
	}
}

func TestEmptyEnvironmentRejected(t *testing.T) {
	s, _ := testSource(map[string]string{"LENDCTL_PASSPHRASE": "  "}, true, "secret")
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected empty env error, got %v", err)
	}
}

func TestPromptIsCached(t *testing.T) {
	s, reads := testSource(nil, true, "from-tty")
	for i := 0; i < 2; i++ {
		got, err := s.Get()
		if err != nil || got != "from-tty" {
			t.Fatalf("Get() = %q, %v", got, err)
		}
	}
	if *reads != 1 {
		t.Fatalf("expected a single prompt, got %d", *reads)
	}
}

func TestNoTerminal(t *testing.T) {
	s, _ := testSource(nil, false, "")
	if _, err := s.Get(); err == nil || !strings.Contains(err.Error(), "LENDCTL_PASSPHRASE") {
		t.Fatalf("expected hint about the environment variable, got %v", err)
	}
}

func TestBlankPromptRejected(t *testing.T) {
	s, _ := testSource(nil, true, "   ")
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}
