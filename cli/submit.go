package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/prospect/guard"
	"github.com/pithecene-io/prospect/ssrf"
	"github.com/pithecene-io/prospect/submit"
	"github.com/pithecene-io/prospect/types"
)

// SubmitCommand enqueues one URL.
func SubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a URL for extraction",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{Name: "schema", Usage: "Extraction schema id"},
			&cli.StringFlag{Name: "priority", Usage: "Priority: high, standard, low", Value: "standard"},
			&cli.StringFlag{Name: "tenant", Usage: "Tenant the job belongs to"},
			&cli.StringFlag{Name: "engine", Usage: "Pin an engine tier: fast, stealth, browser, external"},
			&cli.StringFlag{Name: "actor", Usage: "Caller identity for rate limiting"},
		},
		Action: submitAction,
	}
}

func submitAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: prospect submit <url>", 1)
	}
	env, err := openEnv(c, "submit")
	if err != nil {
		return err
	}
	defer env.close()

	service := submit.New(env.store, env.coord,
		ssrf.New(env.settings.SSRF),
		guard.New(env.coord, env.settings, env.logger),
		env.settings, env.logger)

	receipt, err := service.Submit(c.Context, submit.Request{
		URL:      c.Args().First(),
		SchemaID: c.String("schema"),
		Priority: types.Priority(c.String("priority")),
		Tenant:   c.String("tenant"),
		Engine:   types.Engine(c.String("engine")),
		Actor:    c.String("actor"),
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("submit failed: %s", types.ErrorCode(err)), 1)
	}

	return printJSON(map[string]string{
		"job_id": receipt.JobID.String(),
		"state":  string(receipt.State),
	})
}

// StatusCommand shows a job's lifecycle fields.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show job status",
		ArgsUsage: "<job-id>",
		Flags:     []cli.Flag{ConfigFlag},
		Action:    statusAction,
	}
}

func statusAction(c *cli.Context) error {
	id, err := jobIDArg(c)
	if err != nil {
		return err
	}
	env, err := openEnv(c, "status")
	if err != nil {
		return err
	}
	defer env.close()

	service := submit.New(env.store, env.coord, ssrf.New(env.settings.SSRF), nil, env.settings, env.logger)
	job, err := service.Status(c.Context, id, "")
	if err != nil {
		return err
	}

	return printJSON(map[string]any{
		"state":      job.State,
		"priority":   job.Priority,
		"engine":     job.Engine,
		"schema_id":  job.SchemaID,
		"tenant":     job.Tenant,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	})
}

// ResultsCommand shows a job's extracted data and artifacts.
func ResultsCommand() *cli.Command {
	return &cli.Command{
		Name:      "results",
		Usage:     "Show job results and artifacts",
		ArgsUsage: "<job-id>",
		Flags:     []cli.Flag{ConfigFlag},
		Action:    resultsAction,
	}
}

func resultsAction(c *cli.Context) error {
	id, err := jobIDArg(c)
	if err != nil {
		return err
	}
	env, err := openEnv(c, "results")
	if err != nil {
		return err
	}
	defer env.close()

	service := submit.New(env.store, env.coord, ssrf.New(env.settings.SSRF), nil, env.settings, env.logger)
	results, err := service.Results(c.Context, id, "")
	if err != nil {
		return err
	}
	return printJSON(results)
}

func jobIDArg(c *cli.Context) (uuid.UUID, error) {
	if c.NArg() != 1 {
		return uuid.Nil, cli.Exit("a job id argument is required", 1)
	}
	id, err := uuid.Parse(c.Args().First())
	if err != nil {
		return uuid.Nil, cli.Exit(fmt.Sprintf("invalid job id %q", c.Args().First()), 1)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
