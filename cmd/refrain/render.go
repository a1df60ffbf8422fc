package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"
	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/refrain2333/Refrain/internal/config"
	"github.com/refrain2333/Refrain/internal/version"
	"github.com/refrain2333/Refrain/internal/workspace"
	"github.com/refrain2333/Refrain/kernel/model"
)

const (
	promptSymbol    = "❯ "
	defaultWidth    = 80
	toolPreviewCols = 120
)

var (
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	bold   = color.New(color.Bold)
	faint  = color.New(color.Faint)
	muse   = color.New(color.Faint, color.Italic)
	errTag = color.New(color.FgRed, color.Bold)
)

const (
	channelNone      = ""
	channelReasoning = "reasoning"
	channelContent   = "content"
)

// renderer prints console output. When styled it draws panels, rewrites a
// finished turn as markdown and colors text; otherwise it prints plain text
// suitable for pipes.
type renderer struct {
	out    io.Writer
	styled bool
	width  int
	md     *glamour.TermRenderer

	streamed  strings.Builder
	channel   string
	lineStart bool
}

func newRenderer(out io.Writer, styled bool) *renderer {
	width := defaultWidth
	if styled {
		if w := readline.GetScreenWidth(); w > 0 {
			width = w
		}
	}
	return &renderer{out: out, styled: styled, width: width, lineStart: true}
}

func (r *renderer) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *renderer) dim(text string) {
	fmt.Fprintln(r.out, faint.Sprint(text))
}

func (r *renderer) logo() {
	fmt.Fprintln(r.out, cyan.Sprint(" ▟▀▖ ")+bold.Sprint(version.Product+" ")+faint.Sprint("AI Assistant ")+muse.Sprint("v"+strings.TrimPrefix(version.Version, "v")))
}

func statusLine(p config.Profile, ready bool) string {
	dot, state := green.Sprint("● "), "Ready"
	if !ready {
		dot, state = red.Sprint("● "), "Key Missing"
	}
	return dot + bold.Sprint(p.Name+" ") + faint.Sprintf("(%s) · %s", p.Model, state)
}

func (r *renderer) status(p config.Profile, ready bool) {
	fmt.Fprintln(r.out, statusLine(p, ready))
}

func (r *renderer) noProfile() {
	fmt.Fprintln(r.out, red.Sprint("● No model configured"))
}

func (r *renderer) workspace(info workspace.Info) {
	if !info.InRepo() {
		return
	}
	line := "  " + info.Root
	if info.Branch != "" {
		line += " (" + info.Branch + ")"
	}
	fmt.Fprintln(r.out, faint.Sprint(ansi.Truncate(line, r.width, "…")))
}

type panelKind int

const (
	panelError panelKind = iota
	panelWarning
	panelThinking
)

func (r *renderer) panel(kind panelKind, lines ...string) {
	body := strings.Join(lines, "\n")
	if !r.styled {
		fmt.Fprintln(r.out, body)
		return
	}
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 1)
	switch kind {
	case panelError:
		style = style.BorderForeground(lipgloss.Color("1"))
	case panelWarning:
		style = style.BorderForeground(lipgloss.Color("3"))
	case panelThinking:
		style = style.Padding(0, 1).BorderForeground(lipgloss.Color("8")).Faint(true).Italic(true)
	}
	if w := r.width - 2; w > 10 {
		style = style.MaxWidth(w)
	}
	fmt.Fprintln(r.out, style.Render(body))
}

// keyPlacementPanel explains a profile whose api_key_env holds a key.
func (r *renderer) keyPlacementPanel() {
	r.panel(panelError,
		errTag.Sprint("Configuration error!"),
		"",
		"It looks like an API Key was entered where an environment variable name belongs.",
		"",
		"Type "+yellow.Sprint("/config")+" in the chat to reconfigure and choose \"enter the API key now\".",
	)
}

func (r *renderer) authPanel(p config.Profile) {
	lines := []string{yellow.Sprintf("Model %s is not authenticated", p.Name), ""}
	if env := strings.TrimSpace(p.APIKeyEnv); env != "" {
		lines = append(lines, "Run: "+green.Sprintf("export %s=your_key", env), "")
	}
	lines = append(lines, "Or type "+yellow.Sprint("/config")+" to configure interactively.")
	r.panel(panelWarning, lines...)
}

func (r *renderer) configPanel(err error) {
	r.panel(panelError, errTag.Sprint("Configuration error"), "", err.Error())
}

func (r *renderer) errorLine(err error) {
	fmt.Fprintln(r.out, errTag.Sprint("Error:")+" "+err.Error())
}

// beginTurn resets per-turn stream state.
func (r *renderer) beginTurn() {
	r.streamed.Reset()
	r.channel = channelNone
	r.lineStart = true
}

func (r *renderer) write(text string) {
	if text == "" {
		return
	}
	r.streamed.WriteString(text)
	fmt.Fprint(r.out, text)
	r.lineStart = strings.HasSuffix(text, "\n")
}

func (r *renderer) switchChannel(channel string) {
	if r.channel == channel {
		return
	}
	if !r.lineStart {
		r.write("\n")
	}
	if channel == channelReasoning {
		r.write(muse.Sprint("~ "))
	}
	r.channel = channel
}

// delta prints one streamed fragment.
func (r *renderer) delta(frag *model.Fragment) {
	if frag == nil || frag.Final {
		return
	}
	if frag.Reasoning != "" {
		r.switchChannel(channelReasoning)
		r.write(muse.Sprint(frag.Reasoning))
	}
	if frag.Content != "" {
		r.switchChannel(channelContent)
		r.write(frag.Content)
	}
}

// abort closes an unfinished streamed line.
func (r *renderer) abort() {
	if !r.lineStart {
		r.write("\n")
	}
}

// finish prints the final fragment. Styled output replaces the streamed text
// with a thinking panel and rendered markdown.
func (r *renderer) finish(frag *model.Fragment) {
	if frag == nil {
		return
	}
	r.abort()
	if r.styled {
		r.rewind()
		if reasoning := strings.TrimSpace(frag.FinalReasoning); reasoning != "" {
			r.panel(panelThinking, "Thinking", "", reasoning)
		}
		if content := strings.TrimSpace(frag.FinalContent); content != "" {
			fmt.Fprint(r.out, r.markdown(content))
		}
	}
	for i, call := range frag.ToolCalls {
		args := strings.TrimSpace(call.FunctionArgs)
		if args == "" {
			args = "{}"
		}
		line := fmt.Sprintf("#%d %s %s", i+1, call.FunctionName, args)
		fmt.Fprintln(r.out, faint.Sprint(ansi.Truncate(line, min(r.width, toolPreviewCols), "…")))
	}
	r.channel = channelNone
}

// rewind erases every terminal row written since beginTurn.
func (r *renderer) rewind() {
	rows := streamedRows(r.streamed.String(), r.width)
	if rows == 0 {
		return
	}
	fmt.Fprint(r.out, ansi.CursorUp(rows)+"\r"+ansi.EraseScreenBelow)
	r.streamed.Reset()
}

// streamedRows counts the terminal rows text occupies at width columns.
func streamedRows(text string, width int) int {
	if text == "" {
		return 0
	}
	if width <= 0 {
		width = defaultWidth
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	rows := 0
	for _, line := range lines {
		w := ansi.StringWidth(line)
		rows += max(1, (w+width-1)/width)
	}
	return rows
}

func (r *renderer) markdown(content string) string {
	if r.md == nil {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(max(r.width-4, 20)),
		)
		if err != nil {
			return content + "\n"
		}
		r.md = md
	}
	rendered, err := r.md.Render(content)
	if err != nil {
		return content + "\n"
	}
	return rendered
}

func stdoutRenderer() *renderer {
	return newRenderer(os.Stdout, interactiveTerminal())
}
