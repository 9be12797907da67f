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

func TestAsk(t *testing.T) {
	tests := []struct {
		name, input, def, want string
	}{
		{"input", "hello\n", "default", "hello"},
		{"empty uses default", "\n", "fallback", "fallback"},
		{"whitespace uses default", "   \n", "fallback", "fallback"},
		{"eof uses default", "", "fallback", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input)
			if got := p.Ask("Account", tt.def); got != tt.want {
				t.Errorf("Ask() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAskRequired_Reprompts(t *testing.T) {
	p, out := newTestPrompter("\n  \nalice\n")
	got, err := p.AskRequired("Account")
	if err != nil {
		t.Fatal(err)
	}
	if got != "alice" {
		t.Errorf("AskRequired() = %q, want alice", got)
	}
	if n := strings.Count(out.String(), "A value is required."); n != 2 {
		t.Errorf("reprompted %d times, want 2", n)
	}
}

func TestAskRequired_EOF(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if _, err := p.AskRequired("Account"); !errors.Is(err, ErrNoInput) {
		t.Fatalf("err = %v, want ErrNoInput", err)
	}
}

func TestAskSecret_Fallback(t *testing.T) {
	// Not a real terminal, so it falls back to plain read.
	p, _ := newTestPrompter("123456\n")
	got, err := p.AskSecret("Code")
	if err != nil {
		t.Fatal(err)
	}
	if got != "123456" {
		t.Errorf("AskSecret() = %q, want %q", got, "123456")
	}

	p, _ = newTestPrompter("")
	if _, err := p.AskSecret("Code"); !errors.Is(err, ErrNoInput) {
		t.Fatalf("empty input: err = %v", err)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Confirm("Log in again?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}
