package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/pithecene-io/prospect/artifacts"
	"github.com/pithecene-io/prospect/browser"
	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/engine"
	"github.com/pithecene-io/prospect/fetch"
	"github.com/pithecene-io/prospect/guard"
	"github.com/pithecene-io/prospect/identity"
	"github.com/pithecene-io/prospect/metrics"
	"github.com/pithecene-io/prospect/notify"
	"github.com/pithecene-io/prospect/oracle"
	"github.com/pithecene-io/prospect/plugin"
	"github.com/pithecene-io/prospect/proxy"
	"github.com/pithecene-io/prospect/registry"
	"github.com/pithecene-io/prospect/ssrf"
	"github.com/pithecene-io/prospect/types"
	"github.com/pithecene-io/prospect/worker"
)

// WorkerCommand runs a worker pool for one engine tier.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run a worker pool for an engine tier",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "engine",
				Usage: "Engine tier to consume: fast, stealth, browser, external",
				Value: "fast",
			},
		},
		Action: workerAction,
	}
}

func workerAction(c *cli.Context) error {
	tier := types.Engine(c.String("engine"))
	if types.EngineIndex(tier) < 0 {
		return cli.Exit(fmt.Sprintf("unknown engine %q", tier), 1)
	}

	env, err := openEnv(c, "worker-"+string(tier))
	if err != nil {
		return err
	}
	defer env.close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := buildRunner(c, env)
	if err != nil {
		return err
	}

	notifier := notify.New(env.settings.Notify, env.coord, env.logger)
	defer notifier.Close()

	w := worker.New(tier, env.coord, env.store, runner, notifier,
		env.settings, metrics.NewCollector("worker-"+string(tier)), env.logger)
	return w.Run(ctx)
}

// buildRunner assembles the engine runner. Tiers and collaborators the
// settings do not enable stay nil; the runner degrades accordingly.
func buildRunner(c *cli.Context, env *env) (*engine.Runner, error) {
	settings := env.settings
	logger := env.logger

	deps := engine.Deps{
		Store:    env.store,
		Guard:    guard.New(env.coord, settings, logger),
		SSRF:     ssrf.New(settings.SSRF),
		Plugins:  plugin.NewManager(settings.Plugins, logger),
		Registry: registry.New(env.store, settings.Registry, logger),
		Fast:     fetch.New(settings.Fetch, logger),
		Renderer: browser.NewRenderer(settings.Browser, logger),
		External: engine.NewProvider(settings.External, logger),
		Settings: settings,
		Logger:   logger,
	}

	if settings.Stealth.Enabled {
		stealth, err := fetch.NewStealth(settings.Fetch, logger)
		if err != nil {
			return nil, fmt.Errorf("stealth fetcher: %w", err)
		}
		deps.Stealth = stealth
	}

	if settings.Identity.EncryptionKey != "" {
		codec, err := identity.NewCodec(settings.Identity.EncryptionKey)
		if err != nil {
			return nil, err
		}
		resolver := proxy.NewResolver(env.store, settings.Proxy, proxy.NewPool(settings.Proxy.Gateway))
		deps.Identities = identity.NewManager(env.store, env.coord, resolver, codec, settings.Identity, logger)
	} else {
		logger.Warn("identity binding disabled: no encryption key configured")
	}

	oracleClient, err := oracle.NewClient(c.Context, settings.Oracle, logger)
	if err != nil {
		return nil, fmt.Errorf("oracle client: %w", err)
	}
	deps.Oracle = oracleClient

	writer, err := newArtifactWriter(c, settings.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("artifact writer: %w", err)
	}
	deps.Artifacts = writer

	logger.Info("runner assembled",
		zap.Bool("stealth", deps.Stealth != nil),
		zap.Bool("identities", deps.Identities != nil),
		zap.Bool("oracle", oracleClient.Configured()),
		zap.String("artifacts", settings.Artifacts.Backend))
	return engine.NewRunner(deps), nil
}

func newArtifactWriter(c *cli.Context, settings config.ArtifactSettings) (artifacts.Writer, error) {
	switch settings.Backend {
	case "", "fs":
		return artifacts.NewFSWriter(settings.Path)
	case "s3":
		return artifacts.NewS3Writer(c.Context, artifacts.S3Config{
			Bucket:       settings.Bucket,
			Prefix:       settings.Prefix,
			Region:       settings.Region,
			Endpoint:     settings.Endpoint,
			UsePathStyle: settings.S3PathStyle,
		})
	}
	return nil, fmt.Errorf("unsupported artifact backend %q", settings.Backend)
}
