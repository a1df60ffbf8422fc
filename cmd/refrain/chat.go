package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"

	"github.com/refrain2333/Refrain/internal/config"
	"github.com/refrain2333/Refrain/internal/credential"
	"github.com/refrain2333/Refrain/internal/usage"
	"github.com/refrain2333/Refrain/internal/workspace"
	"github.com/refrain2333/Refrain/kernel/model"
	"github.com/refrain2333/Refrain/kernel/model/providers"
)

const (
	interruptExitWindow = 2 * time.Second
	defaultSystemPrompt = "You are Refrain, a helpful AI code assistant."
)

// backendResolver is the part of the provider registry the console needs.
type backendResolver interface {
	Resolve(context.Context, providers.Selector) (model.Backend, error)
	Forget(alias string) int
	Reset()
}

type directive struct {
	Usage       string
	Description string
	Handle      func(*chatConsole, []string) (bool, error)
}

type chatConsole struct {
	baseCtx   context.Context
	store     *config.Store
	keys      keyStore
	backends  backendResolver
	ledger    *usage.Ledger
	logger    *slog.Logger
	trace     *slog.Logger
	sessionID string
	workspace workspace.Info

	// alias pins a profile for this session; empty follows the active one.
	alias     string
	messages  []model.Message
	lastReply string

	editor     lineEditor
	out        io.Writer
	view       *renderer
	commands   map[string]directive
	copyToClip func(string) error

	runMu           sync.Mutex
	activeRunCancel context.CancelFunc
	interruptMu     sync.Mutex
	lastInterruptAt time.Time
}

var directiveOrder = []string{"help", "model", "config", "clear", "copy", "usage", "exit"}

func newDirectives() map[string]directive {
	return map[string]directive{
		"help":   {Usage: "/help", Description: "show directives", Handle: handleHelp},
		"model":  {Usage: "/model [name]", Description: "list profiles or switch the active one", Handle: handleModel},
		"config": {Usage: "/config", Description: "add a profile interactively and make it active", Handle: handleConfig},
		"clear":  {Usage: "/clear", Description: "clear the conversation (keeps the system prompt)", Handle: handleClear},
		"copy":   {Usage: "/copy", Description: "copy the last reply to the clipboard", Handle: handleCopy},
		"usage":  {Usage: "/usage", Description: "show token usage", Handle: handleUsage},
		"exit":   {Usage: "/exit", Description: "quit (also exit, quit, :q)", Handle: handleExit},
	}
}

func runChat(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	alias := fs.String("model", "", "Profile to chat with (default: the active profile)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}

	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.close()
	if name := strings.TrimSpace(*alias); name != "" {
		if _, ok := a.store.Get(name); !ok {
			return model.NewCodedError(model.ErrorCodeConfig, "model %q not found; available: %s", name, strings.Join(a.store.Names(), ", "))
		}
	}

	ws, err := workspace.Inspect(".")
	if err != nil {
		a.logger.Warn("workspace inspection failed", "error", err)
	}
	editor := newLineEditor(lineEditorConfig{
		HistoryFile: a.paths.HistoryFile,
		Commands:    directiveOrder,
		Profiles:    a.store.Names,
	})
	out := editor.Output()
	c := &chatConsole{
		baseCtx:    ctx,
		store:      a.store,
		keys:       a.creds,
		backends:   a.registry,
		ledger:     a.ledger,
		logger:     a.logger.With("session", a.sessionID),
		trace:      a.logs.Trace,
		sessionID:  a.sessionID,
		workspace:  ws,
		alias:      strings.TrimSpace(*alias),
		messages:   []model.Message{systemMessage(a.paths.SystemMD)},
		editor:     editor,
		out:        out,
		view:       newRenderer(out, interactiveTerminal()),
		commands:   newDirectives(),
		copyToClip: clipboard.WriteAll,
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := a.store.Watch(watchCtx, c.onProfilesReloaded); err != nil {
			c.logger.Warn("profile watch stopped", "error", err)
		}
	}()
	return c.loop()
}

// systemMessage reads the system prompt from path, falling back to the
// built-in one.
func systemMessage(path string) model.Message {
	content := defaultSystemPrompt
	if raw, err := os.ReadFile(path); err == nil {
		if text := strings.TrimSpace(string(raw)); text != "" {
			content = text
		}
	}
	return model.Message{Role: model.RoleSystem, Content: content}
}

func (c *chatConsole) onProfilesReloaded() {
	c.backends.Reset()
}

func (c *chatConsole) loop() error {
	c.banner()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	exitCh := make(chan struct{}, 1)
	stopSignals := make(chan struct{})
	go c.handleInterruptSignals(sigCh, exitCh, stopSignals)
	defer func() {
		close(stopSignals)
		signal.Stop(sigCh)
		if c.editor != nil {
			_ = c.editor.Close()
		}
	}()
	for {
		line, err := c.readLine(exitCh)
		if err != nil {
			if errors.Is(err, errExitRequested) {
				c.view.dim("Goodbye.")
				return nil
			}
			if errors.Is(err, errInputInterrupt) {
				if c.registerInterruptAndShouldExit() {
					c.view.dim("Goodbye.")
					return nil
				}
				c.view.dim("Press Ctrl+C again to exit, or type /exit.")
				continue
			}
			if errors.Is(err, errInputEOF) {
				c.view.dim("Goodbye.")
				return nil
			}
			return err
		}
		c.resetInterruptWindow()
		if line == "" {
			continue
		}
		if isExitWord(line) {
			c.view.dim("Goodbye.")
			return nil
		}
		if strings.HasPrefix(line, "/") {
			exitNow, err := c.handleDirective(line)
			if err != nil {
				c.view.errorLine(err)
			}
			if exitNow {
				c.view.dim("Goodbye.")
				return nil
			}
			continue
		}
		if err := c.runTurn(line); err != nil {
			c.logger.Warn("chat turn failed", "error_code", model.ErrorCodeOf(err), "error", err)
			c.reportError(err)
		}
	}
}

func isExitWord(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "exit", "quit", ":q":
		return true
	}
	return false
}

func (c *chatConsole) banner() {
	c.view.logo()
	c.printStatus()
	c.view.workspace(c.workspace)
	c.printf("\n")
	if p, err := c.profile(); err == nil {
		c.checkReady(p)
	}
}

func (c *chatConsole) printStatus() {
	p, err := c.profile()
	if err != nil {
		c.view.noProfile()
		return
	}
	c.view.status(p, c.ready(p))
}

// profile returns the profile the next turn talks to.
func (c *chatConsole) profile() (config.Profile, error) {
	if c.alias != "" {
		p, ok := c.store.Get(c.alias)
		if !ok {
			return config.Profile{}, model.NewCodedError(model.ErrorCodeConfig,
				"model %q not found; available: %s", c.alias, strings.Join(c.store.Names(), ", "))
		}
		return p, nil
	}
	return c.store.Active()
}

func (c *chatConsole) ready(p config.Profile) bool {
	return credential.ValidatePlacement(p) == nil && c.keys != nil && c.keys.Available(p)
}

// checkReady explains what is missing before a profile can be used.
func (c *chatConsole) checkReady(p config.Profile) bool {
	if err := credential.ValidatePlacement(p); err != nil {
		c.view.keyPlacementPanel()
		return false
	}
	if c.keys == nil || !c.keys.Available(p) {
		c.view.authPanel(p)
		return false
	}
	return true
}

func (c *chatConsole) reportError(err error) {
	switch {
	case model.IsConfigError(err):
		c.view.configPanel(err)
	default:
		c.view.errorLine(err)
	}
}

var errExitRequested = errors.New("cli: exit requested")

// readLine reads the next prompt line. Without readline, stdin blocks past
// a double Ctrl+C, so the read runs aside and an exit request wins.
func (c *chatConsole) readLine(exitCh <-chan struct{}) (string, error) {
	select {
	case <-exitCh:
		return "", errExitRequested
	default:
	}
	if c.usesReadlineEditor() {
		return c.editor.ReadLine(promptSymbol)
	}
	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := c.editor.ReadLine(promptSymbol)
		done <- result{line: line, err: err}
	}()
	select {
	case r := <-done:
		return r.line, r.err
	case <-exitCh:
		return "", errExitRequested
	}
}

func (c *chatConsole) handleInterruptSignals(sigCh <-chan os.Signal, exitCh chan<- struct{}, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-sigCh:
			if c.cancelActiveRun() {
				c.noteInterrupt()
				continue
			}
			// readline reports Ctrl+C at the prompt itself.
			if c.usesReadlineEditor() {
				continue
			}
			if c.registerInterruptAndShouldExit() {
				select {
				case exitCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (c *chatConsole) handleDirective(line string) (bool, error) {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return false, nil
	}
	name := strings.ToLower(parts[0])
	d, ok := c.commands[name]
	if !ok {
		return false, fmt.Errorf("unknown directive %q, use /help", "/"+name)
	}
	return d.Handle(c, parts[1:])
}

// runTurn sends input with the transcript and streams the reply. The user
// message and the reply join the transcript only once the final fragment
// arrived.
func (c *chatConsole) runTurn(input string) error {
	p, err := c.profile()
	if err != nil {
		return err
	}
	if !c.checkReady(p) {
		return nil
	}
	backend, err := c.backends.Resolve(c.baseCtx, providers.Selector{Alias: p.Name})
	if err != nil {
		if model.IsAuthError(err) {
			c.view.authPanel(p)
			return nil
		}
		return err
	}

	userMsg := model.Message{Role: model.RoleUser, Content: input}
	req := &model.Request{Messages: append(slices.Clone(c.messages), userMsg)}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	c.setActiveRunCancel(cancel)
	defer func() {
		c.clearActiveRunCancel()
		cancel()
	}()

	started := time.Now()
	c.view.beginTurn()
	var final *model.Fragment
	for frag, err := range backend.StreamChat(runCtx, req) {
		if err != nil {
			c.view.abort()
			if errors.Is(err, context.Canceled) {
				c.view.dim("Interrupted.")
				return nil
			}
			return err
		}
		if frag.Final {
			final = frag
			c.view.finish(frag)
			continue
		}
		c.view.delta(frag)
	}
	if final == nil {
		c.view.abort()
		return nil
	}

	reply := model.Message{Role: model.RoleAssistant, Content: final.FinalContent, ToolCalls: final.ToolCalls}
	c.messages = append(c.messages, userMsg, reply)
	c.lastReply = final.FinalContent
	if c.trace != nil {
		c.trace.Info("chat turn",
			"session", c.sessionID,
			"profile", p.Name,
			"model", p.Model,
			"user", input,
			"assistant", final.FinalContent,
			"reasoning", final.FinalReasoning,
			"tool_calls", len(final.ToolCalls),
			"finish_reason", final.FinishReason,
			"usage", final.Usage,
			"duration", time.Since(started),
		)
	}
	return nil
}

func (c *chatConsole) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *chatConsole) setActiveRunCancel(cancel context.CancelFunc) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.activeRunCancel = cancel
}

func (c *chatConsole) clearActiveRunCancel() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.activeRunCancel = nil
}

func (c *chatConsole) cancelActiveRun() bool {
	c.runMu.Lock()
	cancel := c.activeRunCancel
	c.runMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (c *chatConsole) usesReadlineEditor() bool {
	_, ok := c.editor.(*readlineEditor)
	return ok
}

func (c *chatConsole) noteInterrupt() {
	c.interruptMu.Lock()
	defer c.interruptMu.Unlock()
	c.lastInterruptAt = time.Now()
}

func (c *chatConsole) registerInterruptAndShouldExit() bool {
	c.interruptMu.Lock()
	defer c.interruptMu.Unlock()
	now := time.Now()
	shouldExit := !c.lastInterruptAt.IsZero() && now.Sub(c.lastInterruptAt) <= interruptExitWindow
	c.lastInterruptAt = now
	return shouldExit
}

func (c *chatConsole) resetInterruptWindow() {
	c.interruptMu.Lock()
	defer c.interruptMu.Unlock()
	c.lastInterruptAt = time.Time{}
}

func handleHelp(c *chatConsole, _ []string) (bool, error) {
	c.printf("Directives:\n")
	for _, name := range directiveOrder {
		d := c.commands[name]
		c.printf("  %-16s %s\n", d.Usage, d.Description)
	}
	return false, nil
}

func handleExit(*chatConsole, []string) (bool, error) {
	return true, nil
}

func handleClear(c *chatConsole, args []string) (bool, error) {
	if len(args) != 0 {
		return false, fmt.Errorf("usage: /clear")
	}
	if len(c.messages) > 0 && c.messages[0].Role == model.RoleSystem {
		c.messages = c.messages[:1]
	} else {
		c.messages = nil
	}
	c.lastReply = ""
	c.view.dim("Context cleared.")
	return false, nil
}

func handleConfig(c *chatConsole, args []string) (bool, error) {
	if len(args) != 0 {
		return false, fmt.Errorf("usage: /config")
	}
	p, ok, err := profileForm{in: c.editor, out: c.out, keys: c.keys}.run()
	if err != nil || !ok {
		return false, err
	}
	if err := c.store.Add(p); err != nil {
		return false, err
	}
	if err := c.store.SetActive(p.Name); err != nil {
		return false, err
	}
	c.backends.Forget(p.Name)
	c.alias = ""
	c.view.dim("Profile updated.")
	c.printStatus()
	return false, nil
}

func handleModel(c *chatConsole, args []string) (bool, error) {
	if len(args) > 1 {
		return false, fmt.Errorf("usage: /model [name]")
	}
	current, _ := c.profile()
	if len(args) == 0 {
		for _, p := range c.store.Profiles() {
			marker := " "
			if p.Name == current.Name {
				marker = "*"
			}
			c.printf("  %s %s %s\n", marker, p.Name, faint.Sprint(p.DisplayName()))
		}
		return false, nil
	}
	if err := c.store.SetActive(args[0]); err != nil {
		return false, err
	}
	c.alias = ""
	c.printStatus()
	if p, err := c.profile(); err == nil {
		c.checkReady(p)
	}
	return false, nil
}

func handleCopy(c *chatConsole, args []string) (bool, error) {
	if len(args) != 0 {
		return false, fmt.Errorf("usage: /copy")
	}
	if strings.TrimSpace(c.lastReply) == "" {
		c.view.dim("Nothing to copy yet.")
		return false, nil
	}
	if err := c.copyToClip(c.lastReply); err != nil {
		return false, fmt.Errorf("copy to clipboard: %w", err)
	}
	c.view.dim("Copied the last reply to the clipboard.")
	return false, nil
}

func handleUsage(c *chatConsole, args []string) (bool, error) {
	if len(args) != 0 {
		return false, fmt.Errorf("usage: /usage")
	}
	if c.ledger == nil {
		c.view.dim("Usage ledger unavailable.")
		return false, nil
	}
	session, err := c.ledger.Session(c.baseCtx)
	if err != nil {
		return false, err
	}
	c.printf("%s %s\n", bold.Sprint("This session:"), formatTotals(session))
	byModel, err := c.ledger.ByModel(c.baseCtx, time.Time{})
	if err != nil {
		return false, err
	}
	if len(byModel) == 0 {
		return false, nil
	}
	c.printf("%s\n", bold.Sprint("All time:"))
	for _, m := range byModel {
		c.printf("  %s %s  %s\n", m.Alias, faint.Sprint("("+m.Model+")"), formatTotals(m.Totals))
	}
	return false, nil
}

func formatTotals(t usage.Totals) string {
	return fmt.Sprintf("%d calls · %d prompt · %d completion · %d reasoning tokens",
		t.Calls, t.PromptTokens, t.CompletionTokens, t.ReasoningTokens)
}
