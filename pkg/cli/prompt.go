// Package cli provides interactive terminal prompts for the login flow.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNoInput is returned when input ends before a required answer is given.
var ErrNoInput = errors.New("no input")

// Prompter handles interactive terminal prompts.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) scan() *bufio.Scanner {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	return p.scanner
}

// readLine reads one trimmed line. ok is false at end of input.
func (p *Prompter) readLine() (line string, ok bool) {
	if p.scan().Scan() {
		return strings.TrimSpace(p.scan().Text()), true
	}
	return "", false
}

// Ask prints a question with a default value and reads one line.
// Returns the default if the user presses Enter without typing.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if line, _ := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskRequired asks until a non-empty answer is given. It returns ErrNoInput
// if input ends first.
func (p *Prompter) AskRequired(question string) (string, error) {
	for {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
		line, ok := p.readLine()
		if line != "" {
			return line, nil
		}
		if !ok {
			return "", ErrNoInput
		}
		_, _ = fmt.Fprintln(p.Out, "  A value is required.")
	}
}

// AskSecret reads a line without echoing, for one-time codes. Falls back to
// a plain read if stdin is not a terminal (tests, piped input).
func (p *Prompter) AskSecret(question string) (string, error) {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out) // newline after hidden input
		if err != nil {
			return "", err
		}
		if s := strings.TrimSpace(string(b)); s != "" {
			return s, nil
		}
		return "", ErrNoInput
	}

	line, _ := p.readLine()
	if line == "" {
		return "", ErrNoInput
	}
	return line, nil
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
