package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/annocollab/internal"
	pkgconfig "github.com/starford/annocollab/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadIfExists(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port := cmd.Int("port"); port > 0 {
		cfg.App.HTTP.Port = int(port)
	}
	if err := internal.RunServer(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("server run error: %w", err)
	}
	return nil
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if url := cmd.String("server"); url != "" {
		cfg.Client.ServerURL = url
	}
	if user := cmd.String("user"); user != "" {
		cfg.Client.UserName = user
	}
	if err := cfg.Client.Validate(); err != nil {
		return fmt.Errorf("invalid client flags: %w", err)
	}
	if err := internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("mcp run error: %w", err)
	}
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:    "annocollab",
		Usage:   "Collaborative genome annotation server and editing client",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the collaboration server and the import watcher",
				Action: serve,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Aliases: []string{"p"},
						Usage:   "HTTP port, overrides app.http.port",
						Sources: cli.EnvVars("ANNOCOLLAB_PORT"),
					},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Run an editing session exposed as MCP tools on stdio",
				Action: mcp,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "server",
						Usage:   "Collaboration server API root, overrides client.server_url",
						Sources: cli.EnvVars("ANNOCOLLAB_SERVER_URL"),
					},
					&cli.StringFlag{
						Name:    "user",
						Usage:   "Display name attached to submitted changes",
						Sources: cli.EnvVars("ANNOCOLLAB_USER"),
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
