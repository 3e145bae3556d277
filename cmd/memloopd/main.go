// Command memloopd is the vault maintenance daemon. It keeps Markdown
// knowledge vaults current by syncing external API data into note
// frontmatter, extracting durable facts from chat transcripts into a bounded
// memory file, and generating spaced-repetition cards from recent notes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"memloop/internal/config"
	"memloop/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Environ()))
}

func run(args, env []string) int {
	flags := pflag.NewFlagSet("memloopd", pflag.ContinueOnError)

	configPath := flags.String("config", "", "explicit config file (JSONC)")
	vaultsDir := flags.String("vaults-dir", "", "override the vaults parent directory")
	once := flags.String("once", "", "run one engine pass and exit: sync|extract|cards|cards-weekly")
	console := flags.Bool("console", false, "start an interactive control console on stdin")
	logLevel := flags.String("log-level", "", "log level: debug|info|warn|error")
	logJSON := flags.Bool("log-json", false, "emit JSON log lines")

	err := flags.Parse(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return 0
		}

		fmt.Fprintln(os.Stderr, err)

		return 2
	}

	cfg, sources, err := config.Load(*configPath, env)
	if err != nil && *vaultsDir == "" {
		fmt.Fprintln(os.Stderr, err)

		return 1
	}

	if *vaultsDir != "" {
		if err != nil {
			// The flag may supply the missing vaults dir; revalidate.
			cfg, sources, err = config.Load(*configPath, append(env, "MEMLOOP_VAULTS_DIR="+*vaultsDir))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)

				return 1
			}
		} else {
			cfg.VaultsDir = *vaultsDir
		}
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if *logJSON {
		cfg.LogJSON = true
	}

	logging.Init(logging.Config{
		Level:      logging.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	log := logging.With("memloopd")

	if sources.Global != "" {
		log.Debug().Str("path", sources.Global).Msg("Loaded global config")
	}

	if sources.Explicit != "" {
		log.Debug().Str("path", sources.Explicit).Msg("Loaded config file")
	}

	d, err := newDaemon(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Startup failed")

		return 1
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *once != "":
		return d.runOnce(ctx, *once)

	case *console:
		return d.runConsole(ctx)

	default:
		return d.runDaemon(ctx)
	}
}
