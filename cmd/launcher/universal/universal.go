// Package universal routes a command line to one of several sublaunchers by
// its first word. The first sublauncher doubles as the default, so a bare
// invocation or one that starts with a flag goes to it.
package universal

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/refrain2333/Refrain/cmd/launcher"
)

type router struct {
	order     []launcher.SubLauncher
	byKeyword map[string]launcher.SubLauncher
	setupErr  error
}

func NewLauncher(sublaunchers ...launcher.SubLauncher) launcher.Launcher {
	r := &router{byKeyword: map[string]launcher.SubLauncher{}}
	for _, sub := range sublaunchers {
		if sub == nil {
			continue
		}
		r.setupErr = r.register(sub)
		if r.setupErr != nil {
			break
		}
	}
	if r.setupErr == nil && len(r.order) == 0 {
		r.setupErr = fmt.Errorf("launcher: no sublaunchers configured")
	}
	return r
}

func (r *router) register(sub launcher.SubLauncher) error {
	key := strings.TrimSpace(sub.Keyword())
	if key == "" {
		return fmt.Errorf("launcher: empty keyword")
	}
	if _, dup := r.byKeyword[key]; dup {
		return fmt.Errorf("launcher: duplicate keyword %q", key)
	}
	r.byKeyword[key] = sub
	r.order = append(r.order, sub)
	return nil
}

func (r *router) Execute(ctx context.Context, args []string) error {
	if r.setupErr != nil {
		return r.setupErr
	}
	sub, rest, err := r.route(args)
	if err != nil {
		return err
	}
	leftover, err := sub.Parse(rest)
	if err != nil {
		return err
	}
	if err := ErrorOnUnparsedArgs(leftover); err != nil {
		return err
	}
	return sub.Run(ctx)
}

// route picks the sublauncher for args and returns the arguments it should
// parse.
func (r *router) route(args []string) (launcher.SubLauncher, []string, error) {
	if len(args) == 0 {
		return r.order[0], nil, nil
	}
	if isHelp(args[0]) {
		return nil, nil, flag.ErrHelp
	}
	if sub, ok := r.byKeyword[args[0]]; ok {
		return sub, args[1:], nil
	}
	return r.order[0], args, nil
}

func (r *router) CommandLineSyntax() string {
	var b strings.Builder
	b.WriteString("Usage:\n  refrain [command] [args]\n\nCommands:\n")
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	for _, sub := range r.order {
		fmt.Fprintf(tw, "  %s\t%s\n", sub.Keyword(), sub.SimpleDescription())
	}
	_ = tw.Flush()
	b.WriteString("\nSyntax:\n")
	for _, sub := range r.order {
		if syntax := sub.CommandLineSyntax(); syntax != "" {
			b.WriteString(syntax)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func ErrorOnUnparsedArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	return fmt.Errorf("launcher: unparsed args: %v", args)
}

func isHelp(arg string) bool {
	switch arg {
	case "help", "-h", "-help", "--help":
		return true
	}
	return false
}
