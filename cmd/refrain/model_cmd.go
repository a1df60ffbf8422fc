package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/refrain2333/Refrain/internal/config"
	"github.com/refrain2333/Refrain/internal/credential"
	"github.com/refrain2333/Refrain/kernel/model"
)

const modelUsage = "usage: refrain model list|use <name>|info [name]|add [flags]|remove <name>"

// modelCmd implements the model subcommands against a profile store.
type modelCmd struct {
	store *config.Store
	keys  keyStore
	out   io.Writer
	// form opens the prompter used by `model add -i`.
	form func() (prompter, func() error)
	// forget drops a stored key when its profile is removed.
	forget func(name string) error
}

func runModel(ctx context.Context, args []string) error {
	a, err := newApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.close()
	cmd := modelCmd{
		store:  a.store,
		keys:   a.creds,
		out:    os.Stdout,
		form:   terminalForm,
		forget: a.creds.Forget,
	}
	return cmd.run(ctx, args)
}

// terminalForm uses liner on a terminal and plain stdin otherwise.
func terminalForm() (prompter, func() error) {
	if interactiveTerminal() {
		p := newLinerPrompter()
		return p, p.Close
	}
	e := newStdioEditor(os.Stdin, os.Stdout)
	return e, e.Close
}

func (m modelCmd) run(_ context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(modelUsage)
	}
	switch args[0] {
	case "list", "ls":
		return m.list()
	case "use":
		if len(args) != 2 {
			return fmt.Errorf("usage: refrain model use <name>")
		}
		return m.use(args[1])
	case "info":
		if len(args) > 2 {
			return fmt.Errorf("usage: refrain model info [name]")
		}
		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		return m.info(name)
	case "add":
		return m.add(args[1:])
	case "remove", "rm":
		if len(args) != 2 {
			return fmt.Errorf("usage: refrain model remove <name>")
		}
		return m.remove(args[1])
	default:
		return fmt.Errorf("unknown model command %q; %s", args[0], modelUsage)
	}
}

func (m modelCmd) list() error {
	headers := []string{"NAME", "PROVIDER", "MODEL", "AUTH", "STATUS"}
	active := m.store.ActiveName()
	var rows [][]string
	for _, p := range m.store.Profiles() {
		var status []string
		if p.Name == active {
			status = append(status, "active")
		}
		if m.keys != nil && !m.keys.Available(p) {
			status = append(status, "key missing")
		}
		provider := p.Provider
		if provider == "" {
			provider = "-"
		}
		rows = append(rows, []string{p.Name, provider, p.Model, p.AuthLabel(), strings.Join(status, ", ")})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	line := func(cells []string) string {
		padded := make([]string, len(cells))
		for i, cell := range cells {
			if i == len(cells)-1 {
				padded[i] = cell
				continue
			}
			padded[i] = runewidth.FillRight(cell, widths[i])
		}
		return strings.TrimRight(strings.Join(padded, "  "), " ")
	}
	fmt.Fprintln(m.out, bold.Sprint(line(headers)))
	for _, row := range rows {
		text := line(row)
		if row[0] == active {
			text = green.Sprint(text)
		}
		fmt.Fprintln(m.out, text)
	}
	return nil
}

func (m modelCmd) use(name string) error {
	if err := m.store.SetActive(name); err != nil {
		return err
	}
	fmt.Fprintln(m.out, green.Sprintf("✓ Switched to: %s", strings.TrimSpace(name)))
	return nil
}

func (m modelCmd) info(name string) error {
	var (
		p   config.Profile
		err error
	)
	if strings.TrimSpace(name) == "" {
		p, err = m.store.Active()
	} else {
		var ok bool
		if p, ok = m.store.Get(name); !ok {
			err = model.NewCodedError(model.ErrorCodeConfig, "model %q not found; available: %s", name, strings.Join(m.store.Names(), ", "))
		}
	}
	if err != nil {
		return err
	}
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = "default"
	}
	provider := p.Provider
	if provider == "" {
		provider = "unspecified"
	}
	fmt.Fprintln(m.out, cyan.Sprintf("Model: %s", p.Name))
	fmt.Fprintf(m.out, "  Provider:    %s\n", provider)
	fmt.Fprintf(m.out, "  Model ID:    %s\n", p.Model)
	fmt.Fprintf(m.out, "  Routing ID:  %s\n", p.RoutingID())
	fmt.Fprintf(m.out, "  Auth:        %s\n", p.AuthLabel())
	fmt.Fprintf(m.out, "  API:         %s\n", baseURL)
	fmt.Fprintf(m.out, "  Temperature: %s\n", strconv.FormatFloat(p.Temperature, 'g', -1, 64))
	fmt.Fprintf(m.out, "  Timeout:     %ss\n", strconv.FormatFloat(p.Timeout, 'g', -1, 64))
	if err := credential.ValidatePlacement(p); err != nil {
		fmt.Fprintln(m.out, red.Sprint("  "+err.Error()))
	}
	return nil
}

func (m modelCmd) add(args []string) error {
	fs := flag.NewFlagSet("model add", flag.ContinueOnError)
	fs.SetOutput(m.out)
	var (
		name, provider, modelID, env, baseURL string
		interactive                           bool
	)
	temperature := config.DefaultTemperature
	timeout := float64(config.DefaultTimeoutSeconds)
	fs.StringVar(&name, "name", "", "Profile name")
	fs.StringVar(&name, "n", "", "Profile name (shorthand)")
	fs.StringVar(&provider, "provider", "openai", "Provider")
	fs.StringVar(&provider, "p", "openai", "Provider (shorthand)")
	fs.StringVar(&modelID, "model", "", "Model id")
	fs.StringVar(&modelID, "m", "", "Model id (shorthand)")
	fs.StringVar(&env, "env", "", "Environment variable holding the key (empty uses the keyring)")
	fs.StringVar(&env, "e", "", "Environment variable (shorthand)")
	fs.StringVar(&baseURL, "url", "", "API base URL")
	fs.StringVar(&baseURL, "u", "", "API base URL (shorthand)")
	fs.BoolVar(&interactive, "interactive", false, "Add interactively")
	fs.BoolVar(&interactive, "i", false, "Add interactively (shorthand)")
	fs.Float64Var(&temperature, "temperature", temperature, "Sampling temperature")
	fs.Float64Var(&timeout, "timeout", timeout, "Request timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}

	var p config.Profile
	if interactive || strings.TrimSpace(name) == "" || strings.TrimSpace(modelID) == "" {
		if m.form == nil {
			return fmt.Errorf("--name and --model are required")
		}
		in, closeForm := m.form()
		picked, ok, err := profileForm{in: in, out: m.out, keys: m.keys}.run()
		if closeErr := closeForm(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(m.out, faint.Sprint("Cancelled."))
			return nil
		}
		p = picked
	} else {
		p = config.NewProfile(name, provider, modelID)
		p.APIKeyEnv = strings.TrimSpace(env)
		p.BaseURL = strings.TrimSpace(baseURL)
		p.Temperature = temperature
		p.Timeout = timeout
	}
	if err := credential.ValidatePlacement(p); err != nil {
		return err
	}
	if err := m.store.Add(p); err != nil {
		return err
	}
	fmt.Fprintln(m.out, green.Sprintf("✓ Added model: %s", p.Name))
	return nil
}

func (m modelCmd) remove(name string) error {
	name = strings.TrimSpace(name)
	p, _ := m.store.Get(name)
	reassigned, err := m.store.Remove(name)
	if err != nil {
		return err
	}
	if reassigned != "" {
		fmt.Fprintln(m.out, yellow.Sprintf("⚠ Active model removed; switched to: %s", reassigned))
	}
	if p.UsesSecretStore() && m.forget != nil {
		if err := m.forget(name); err != nil {
			fmt.Fprintln(m.out, yellow.Sprintf("⚠ Could not delete the stored key: %v", err))
		}
	}
	fmt.Fprintln(m.out, green.Sprintf("✓ Removed model: %s", name))
	return nil
}
