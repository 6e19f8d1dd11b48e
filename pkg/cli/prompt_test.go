package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{
		In:  strings.NewReader(input),
		Out: out,
	}, out
}

func TestAsk_WithInput(t *testing.T) {
	p, _ := newTestPrompter("hello\n")
	if got := p.Ask("Name", "default"); got != "hello" {
		t.Errorf("Ask() = %q, want %q", got, "hello")
	}
}

func TestAsk_EmptyUsesDefault(t *testing.T) {
	p, _ := newTestPrompter("   \n")
	if got := p.Ask("Name", "fallback"); got != "fallback" {
		t.Errorf("Ask() = %q, want %q", got, "fallback")
	}
}

func TestAskRequired_RetriesUntilValid(t *testing.T) {
	p, out := newTestPrompter("\nnot-an-email\nbob@example.com\n")
	check := func(s string) error {
		if !strings.Contains(s, "@") {
			return errors.New("must be an email address")
		}
		return nil
	}
	got := p.AskRequired("Email", check)
	if got != "bob@example.com" {
		t.Errorf("AskRequired() = %q, want %q", got, "bob@example.com")
	}
	if !strings.Contains(out.String(), "A value is required") {
		t.Error("expected empty-answer hint")
	}
	if !strings.Contains(out.String(), "must be an email address") {
		t.Error("expected validation hint")
	}
}

func TestAskNewPassword_MismatchThenMatch(t *testing.T) {
	p, out := newTestPrompter("ab\nsecret1\nsecret2\nsecret1\nsecret1\n")
	got := p.AskNewPassword("Password", 3)
	if got != "secret1" {
		t.Errorf("AskNewPassword() = %q, want %q", got, "secret1")
	}
	if !strings.Contains(out.String(), "at least 3 characters") {
		t.Error("expected length hint")
	}
	if !strings.Contains(out.String(), "do not match") {
		t.Error("expected mismatch hint")
	}
}

func TestAskInt_InvalidThenValid(t *testing.T) {
	p, _ := newTestPrompter("abc\n-1\n42\n")
	if got := p.AskInt("Count", 1); got != 42 {
		t.Errorf("AskInt() = %d, want %d", got, 42)
	}
}

func TestChoose_Default(t *testing.T) {
	p, _ := newTestPrompter("\n")
	got := p.Choose("Driver", []string{"sqlite", "postgres"}, 0)
	if got != "sqlite" {
		t.Errorf("Choose() = %q, want %q", got, "sqlite")
	}
}

func TestChoose_OutOfRangeThenValid(t *testing.T) {
	p, _ := newTestPrompter("9\n2\n")
	got := p.Choose("Driver", []string{"sqlite", "postgres"}, 0)
	if got != "postgres" {
		t.Errorf("Choose() = %q, want %q", got, "postgres")
	}
}
