package cli

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/prospect/tui"
	"github.com/pithecene-io/prospect/types"
)

// StatsCommand shows queue depths and job-state counts.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show queue depths and job-state counts",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.BoolFlag{Name: "tui", Usage: "Interactive dashboard with live polling"},
			&cli.BoolFlag{Name: "json", Usage: "Print one sample as JSON"},
			&cli.IntFlag{Name: "interval-ms", Usage: "TUI poll interval", Value: 2000},
		},
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	env, err := openEnv(c, "stats")
	if err != nil {
		return err
	}
	defer env.close()

	source := tui.Stores{Coord: env.coord, Store: env.store}

	if c.Bool("tui") {
		return tui.RunStatsTUI(source, time.Duration(c.Int("interval-ms"))*time.Millisecond)
	}

	if c.Bool("json") {
		stats := tui.Fetch(c.Context, source)
		if stats.Err != nil {
			return stats.Err
		}
		return printJSON(map[string]any{
			"queue_depths": stats.QueueDepths,
			"job_states":   stats.JobStates,
		})
	}

	fmt.Println(tui.RenderStatsStatic(c.Context, source))
	return nil
}

// VersionCommand reports the binary version.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(*cli.Context) error {
			return printJSON(map[string]string{
				"version": types.Version,
				"commit":  commit,
			})
		},
	}
}
