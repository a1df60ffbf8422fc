package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	launcherfull "github.com/refrain2333/Refrain/cmd/launcher/full"
	"github.com/refrain2333/Refrain/internal/config"
	"github.com/refrain2333/Refrain/internal/credential"
	"github.com/refrain2333/Refrain/internal/logging"
	"github.com/refrain2333/Refrain/internal/telemetry"
	"github.com/refrain2333/Refrain/internal/tokens"
	"github.com/refrain2333/Refrain/internal/usage"
	"github.com/refrain2333/Refrain/internal/version"
	"github.com/refrain2333/Refrain/kernel/model/providers"
)

func main() {
	l := launcherfull.NewLauncher(launcherfull.Commands{
		Chat:    runChat,
		Model:   runModel,
		Edit:    runEdit,
		Version: runVersion,
	})
	if err := l.Execute(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(os.Stdout, l.CommandLineSyntax())
			return
		}
		exitErr(err)
	}
}

// app holds the long-lived collaborators every subcommand shares.
type app struct {
	paths     config.Paths
	settings  config.Settings
	logs      *logging.Logs
	logger    *slog.Logger
	shutdown  telemetry.Shutdown
	store     *config.Store
	creds     *credential.Resolver
	ledger    *usage.Ledger
	counter   *tokens.Counter
	registry  *providers.Registry
	sessionID string
}

// newApp opens the default data directory. Error records are mirrored to
// stderr unless it is nil; the chat console passes nil because it renders
// every failure itself.
func newApp(stderr io.Writer) (*app, error) {
	paths, err := config.DefaultPaths()
	if err != nil {
		return nil, err
	}
	return openApp(paths, stderr)
}

// openApp wires the data directory at paths. Errors from the optional
// pieces (tracing, usage ledger) are logged and the app runs without them.
func openApp(paths config.Paths, stderr io.Writer) (*app, error) {
	settings, err := config.LoadSettings(paths.Settings)
	if err != nil {
		return nil, err
	}
	logs := logging.Setup(logging.Options{
		Dir:    paths.LogDir,
		Level:  settings.Level(),
		Stderr: stderr,
		Trace:  settings.Trace,
	})
	logger := logs.Logger
	slog.SetDefault(logger)

	a := &app{
		paths:     paths,
		settings:  settings,
		logs:      logs,
		logger:    logger,
		shutdown:  func(context.Context) error { return nil },
		sessionID: uuid.NewString(),
		counter:   tokens.NewCounter(),
	}
	if shutdown, err := telemetry.InitTracer(settings.Trace, settings.ProjectName, paths.TraceFile, logger); err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		a.shutdown = shutdown
	}

	a.store, err = config.OpenStore(paths.Profiles, logger)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.creds, err = credential.NewResolver(paths.Credentials, logger)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	opts := []providers.Option{
		providers.WithLogger(logger),
		providers.WithTokenCounter(a.counter.CountMessages),
	}
	if ledger, err := usage.Open(paths.UsageDB, a.sessionID, logger); err != nil {
		logger.Warn("usage ledger disabled", "path", paths.UsageDB, "error", err)
	} else {
		a.ledger = ledger
		opts = append(opts, providers.WithUsageObserver(ledger))
	}
	a.registry = providers.NewRegistry(a.store, a.creds, settings.Defaults(), opts...)
	logger.Debug("app started", "version", version.String(), "session", a.sessionID, "data_dir", paths.Root)
	return a, nil
}

func (a *app) close() error {
	var errs []error
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(context.Background()))
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

func runVersion(_ context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: refrain version")
	}
	printVersion(os.Stdout)
	return nil
}

func printVersion(out io.Writer) {
	fmt.Fprintln(out, bold.Sprint(cyan.Sprint(version.String())))
	fmt.Fprintln(out, faint.Sprint("AI Code Assistant  "+version.Build()))
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", errTag.Sprint("error:"), err)
	os.Exit(1)
}
