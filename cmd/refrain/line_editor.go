package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
)

var (
	errInputInterrupt = errors.New("cli: input interrupted")
	errInputEOF       = errors.New("cli: input eof")
)

// prompter is the minimal input surface used by interactive forms.
type prompter interface {
	ReadLine(prompt string) (string, error)
	ReadSecret(prompt string) (string, error)
}

type lineEditor interface {
	prompter
	Output() io.Writer
	Close() error
}

type lineEditorConfig struct {
	HistoryFile string
	// Commands are directive names without the leading slash.
	Commands []string
	// Profiles lists profile names for `/model <name>` completion.
	Profiles func() []string
}

func isTTY(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func interactiveTerminal() bool {
	return isTTY(os.Stdin) && isTTY(os.Stdout)
}

// newLineEditor uses readline on a terminal and falls back to line-buffered
// stdin for pipes or when readline cannot take the terminal.
func newLineEditor(cfg lineEditorConfig) lineEditor {
	if interactiveTerminal() {
		if rl, err := newReadlineEditor(cfg); err == nil {
			return rl
		}
	}
	return newStdioEditor(os.Stdin, os.Stdout)
}

// inputError maps editor-specific interrupt and EOF errors onto the two
// sentinels the console understands.
func inputError(err error) error {
	switch {
	case errors.Is(err, readline.ErrInterrupt), errors.Is(err, liner.ErrPromptAborted):
		return errInputInterrupt
	case errors.Is(err, io.EOF):
		return errInputEOF
	default:
		return err
	}
}

type readlineEditor struct {
	rl *readline.Instance
}

func newReadlineEditor(cfg lineEditorConfig) (*readlineEditor, error) {
	history := strings.TrimSpace(cfg.HistoryFile)
	if history != "" {
		if err := os.MkdirAll(filepath.Dir(history), 0o700); err != nil {
			return nil, fmt.Errorf("cli: create history dir: %w", err)
		}
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            promptSymbol,
		HistoryFile:       history,
		AutoComplete:      directiveCompleter(cfg),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return nil, err
	}
	return &readlineEditor{rl: rl}, nil
}

func directiveCompleter(cfg lineEditorConfig) *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(cfg.Commands))
	for _, name := range cfg.Commands {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		if name == "model" && cfg.Profiles != nil {
			profiles := cfg.Profiles
			items = append(items, readline.PcItem("/model",
				readline.PcItemDynamic(func(string) []string { return profiles() })))
			continue
		}
		items = append(items, readline.PcItem("/"+name))
	}
	return readline.NewPrefixCompleter(items...)
}

func (r *readlineEditor) ReadLine(prompt string) (string, error) {
	r.rl.SetPrompt(prompt)
	line, err := r.rl.Readline()
	if err != nil {
		return "", inputError(err)
	}
	return strings.TrimSpace(line), nil
}

func (r *readlineEditor) ReadSecret(prompt string) (string, error) {
	secret, err := r.rl.ReadPassword(prompt)
	if err != nil {
		return "", inputError(err)
	}
	return strings.TrimSpace(string(secret)), nil
}

func (r *readlineEditor) Output() io.Writer { return r.rl.Stdout() }
func (r *readlineEditor) Close() error      { return r.rl.Close() }

// stdioEditor reads plain lines; secrets are echoed since there is no
// terminal to mask them on.
type stdioEditor struct {
	in  *bufio.Reader
	out io.Writer
}

func newStdioEditor(in io.Reader, out io.Writer) *stdioEditor {
	return &stdioEditor{in: bufio.NewReader(in), out: out}
}

func (s *stdioEditor) ReadLine(prompt string) (string, error) {
	fmt.Fprint(s.out, prompt)
	line, err := s.in.ReadString('\n')
	line = strings.TrimSpace(line)
	switch {
	case err == nil:
		return line, nil
	case errors.Is(err, io.EOF) && line != "":
		return line, nil
	default:
		return "", inputError(err)
	}
}

func (s *stdioEditor) ReadSecret(prompt string) (string, error) { return s.ReadLine(prompt) }
func (s *stdioEditor) Output() io.Writer                        { return s.out }
func (s *stdioEditor) Close() error                             { return nil }

// linerPrompter drives one-off forms outside the chat console, where no
// readline instance owns the terminal.
type linerPrompter struct {
	state *liner.State
}

func newLinerPrompter() *linerPrompter {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	return &linerPrompter{state: state}
}

func (l *linerPrompter) ReadLine(prompt string) (string, error) {
	line, err := l.state.Prompt(prompt)
	if err != nil {
		return "", inputError(err)
	}
	return strings.TrimSpace(line), nil
}

func (l *linerPrompter) ReadSecret(prompt string) (string, error) {
	secret, err := l.state.PasswordPrompt(prompt)
	if err != nil {
		return "", inputError(err)
	}
	return strings.TrimSpace(secret), nil
}

func (l *linerPrompter) Close() error { return l.state.Close() }
