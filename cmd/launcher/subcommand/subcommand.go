// Package subcommand adapts a RunWithArgs function into a SubLauncher that
// forwards every remaining argument.
package subcommand

import (
	"context"
	"fmt"

	"github.com/refrain2333/Refrain/cmd/launcher"
)

// Spec describes one subcommand.
type Spec struct {
	Keyword     string
	Syntax      string
	Description string
	Run         launcher.RunWithArgs
}

type subLauncher struct {
	spec Spec
	args []string
}

func NewLauncher(spec Spec) launcher.SubLauncher {
	return &subLauncher{spec: spec}
}

func (l *subLauncher) Keyword() string {
	return l.spec.Keyword
}

func (l *subLauncher) Parse(args []string) ([]string, error) {
	l.args = append([]string(nil), args...)
	return nil, nil
}

func (l *subLauncher) CommandLineSyntax() string {
	return l.spec.Syntax
}

func (l *subLauncher) SimpleDescription() string {
	return l.spec.Description
}

func (l *subLauncher) Run(ctx context.Context) error {
	if l.spec.Run == nil {
		return fmt.Errorf("launcher(%s): run function is nil", l.spec.Keyword)
	}
	return l.spec.Run(ctx, l.args)
}
