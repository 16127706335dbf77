package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/noesis/internal"
	pkgconfig "github.com/starford/noesis/pkg/config"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
)

func serve(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(configPath, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func main() {
	serveCommand := &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP, MCP, and worker-pool surfaces (default)",
		Action: serve,
		Flags:  []cli.Flag{configFlag},
	}

	cmd := &cli.Command{
		Name:   "noesis",
		Usage:  "Reflective memory engine with content-addressed storage, semantic/lexical/tag search, and a deferred work queue",
		Action: serve,
		Flags:  []cli.Flag{configFlag},
		Commands: []*cli.Command{
			serveCommand,
			putCommand,
			getCommand,
			findCommand,
			tagCommand,
			deleteCommand,
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
