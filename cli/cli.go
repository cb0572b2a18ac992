// Package cli provides the commands behind the prospect binary. Every
// command except submit, dispatch, and worker is read-only.
package cli

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/store"
)

// ConfigFlag points at the YAML settings file. Empty uses defaults.
var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to YAML config file",
	EnvVars: []string{"PROSPECT_CONFIG"},
}

// Commands returns all prospect commands.
func Commands(commit string) []*cli.Command {
	return []*cli.Command{
		SubmitCommand(),
		StatusCommand(),
		ResultsCommand(),
		DispatchCommand(),
		WorkerCommand(),
		StatsCommand(),
		VersionCommand(commit),
	}
}

// env carries the shared dependencies a command wires up on start.
type env struct {
	settings *config.Settings
	logger   *log.Logger
	coord    *coord.Store
	store    *store.Store
}

// openEnv loads settings and opens the coordination and persistent
// stores. The caller closes both via env.close.
func openEnv(c *cli.Context, component string) (*env, error) {
	settings, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logger := log.NewLogger(component)

	cs, err := coord.New(settings.RedisURL)
	if err != nil {
		return nil, err
	}
	ps, err := store.Open(settings.DatabasePath)
	if err != nil {
		cs.Close()
		return nil, err
	}
	return &env{settings: settings, logger: logger, coord: cs, store: ps}, nil
}

func (e *env) close() {
	e.store.Close()
	e.coord.Close()
}
