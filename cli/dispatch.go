package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/prospect/dispatch"
	"github.com/pithecene-io/prospect/metrics"
)

// DispatchCommand runs the priority dispatcher loop.
func DispatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "dispatch",
		Usage: "Run the priority dispatcher",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.IntFlag{Name: "interval-ms", Usage: "Idle poll interval", Value: 500},
			&cli.BoolFlag{Name: "once", Usage: "Drain the queues once and exit"},
		},
		Action: dispatchAction,
	}
}

func dispatchAction(c *cli.Context) error {
	env, err := openEnv(c, "dispatcher")
	if err != nil {
		return err
	}
	defer env.close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := dispatch.New(env.coord, env.store, env.settings,
		metrics.NewCollector("dispatcher"), env.logger)

	if c.Bool("once") {
		for {
			dispatched, err := dispatcher.DispatchOnce(ctx)
			if err != nil {
				return err
			}
			if !dispatched {
				return nil
			}
		}
	}
	err = dispatcher.Run(ctx, time.Duration(c.Int("interval-ms"))*time.Millisecond)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
