// Package cli provides interactive terminal prompts for the huddle commands.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	return ""
}

// Ask prints a question and returns the answer, or defaultVal on empty input.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskRequired repeats the question until a non-empty answer that passes
// check is given. A nil check accepts any non-empty answer.
func (p *Prompter) AskRequired(question string, check func(string) error) string {
	for {
		ans := p.Ask(question, "")
		if ans == "" {
			_, _ = fmt.Fprintln(p.Out, "  A value is required.")
			continue
		}
		if check != nil {
			if err := check(ans); err != nil {
				_, _ = fmt.Fprintf(p.Out, "  %v\n", err)
				continue
			}
		}
		return ans
	}
}

// AskPassword reads a line without echo when In is a terminal, and falls
// back to a plain read otherwise (pipes, tests).
func (p *Prompter) AskPassword(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// AskNewPassword asks for a password twice and retries until both entries
// match and are at least minLen characters long.
func (p *Prompter) AskNewPassword(question string, minLen int) string {
	for {
		pw := p.AskPassword(question)
		if len(pw) < minLen {
			_, _ = fmt.Fprintf(p.Out, "  Password must be at least %d characters.\n", minLen)
			continue
		}
		if p.AskPassword("Repeat password") != pw {
			_, _ = fmt.Fprintln(p.Out, "  Passwords do not match.")
			continue
		}
		return pw
	}
}

// AskInt asks for a positive integer with a default value.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(defaultVal)))
		if err == nil && n > 0 {
			return n
		}
		_, _ = fmt.Fprintln(p.Out, "  Please enter a positive number.")
	}
}

// Choose presents a numbered list of options and returns the selected value.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}
	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(defaultIdx+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.Out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}
