package full

import (
	"github.com/refrain2333/Refrain/cmd/launcher"
	"github.com/refrain2333/Refrain/cmd/launcher/subcommand"
	"github.com/refrain2333/Refrain/cmd/launcher/universal"
)

// Commands are the entry points of every refrain subcommand.
type Commands struct {
	Chat    launcher.RunWithArgs
	Model   launcher.RunWithArgs
	Edit    launcher.RunWithArgs
	Version launcher.RunWithArgs
}

// NewLauncher wires the refrain subcommands. chat is the default when no
// keyword is given.
func NewLauncher(cmds Commands) launcher.Launcher {
	return universal.NewLauncher(
		subcommand.NewLauncher(subcommand.Spec{
			Keyword:     "chat",
			Syntax:      "  refrain [chat] [-model <alias>]\n  Example: refrain chat -model gpt4",
			Description: "start an interactive chat session",
			Run:         cmds.Chat,
		}),
		subcommand.NewLauncher(subcommand.Spec{
			Keyword:     "model",
			Syntax:      "  refrain model list|use <name>|info [name]|add [flags]|remove <name>",
			Description: "manage model profiles",
			Run:         cmds.Model,
		}),
		subcommand.NewLauncher(subcommand.Spec{
			Keyword:     "edit",
			Syntax:      "  refrain edit <file> <instruction>",
			Description: "edit a file with AI assistance (in development)",
			Run:         cmds.Edit,
		}),
		subcommand.NewLauncher(subcommand.Spec{
			Keyword:     "version",
			Syntax:      "  refrain version",
			Description: "show version",
			Run:         cmds.Version,
		}),
	)
}
