package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/starford/noesis/internal"
	"github.com/starford/noesis/internal/keeper"
	"github.com/starford/noesis/internal/types"
	pkgconfig "github.com/starford/noesis/pkg/config"
)

// oneShot opens the Keeper against the configured local store (no HTTP,
// MCP, or worker pool), runs fn, then closes everything down.
func oneShot(ctx context.Context, cmd *cli.Command, fn func(ctx context.Context, k *keeper.Keeper) (any, error)) error {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	stores, err := internal.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer stores.Close()

	result, err := fn(ctx, stores.Keeper)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// parseTagFlags turns repeated "key=value" flag values into types.Tags.
// A flag with no "=" is rejected rather than silently ignored, matching
// put/tag's own strict input validation.
func parseTagFlags(raw []string) (types.Tags, error) {
	tags := types.Tags{}
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --tag %q: expected key=value", kv)
		}
		tags[k] = v
	}
	return tags, nil
}

var configFlag = &cli.StringFlag{
	Name:        "config",
	Aliases:     []string{"c"},
	Usage:       "Path to config file",
	DefaultText: "config/config.yaml",
	Value:       "config/config.yaml",
	Sources:     cli.EnvVars("APP_CONFIG_FILE"),
}

var putCommand = &cli.Command{
	Name:  "put",
	Usage: "Write a document",
	Flags: []cli.Flag{
		configFlag,
		&cli.StringFlag{Name: "id", Usage: "explicit document id (content-addressed id if omitted)"},
		&cli.StringFlag{Name: "content", Usage: "document content"},
		&cli.StringFlag{Name: "uri", Usage: "fetch content from this URI instead of --content"},
		&cli.StringFlag{Name: "summary", Usage: "caller-supplied summary"},
		&cli.StringSliceFlag{Name: "tag", Usage: "key=value, repeatable"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		tags, err := parseTagFlags(cmd.StringSlice("tag"))
		if err != nil {
			return err
		}
		return oneShot(ctx, cmd, func(ctx context.Context, k *keeper.Keeper) (any, error) {
			return k.Put(ctx, keeper.PutInput{
				ID:      cmd.String("id"),
				Content: cmd.String("content"),
				URI:     cmd.String("uri"),
				Summary: cmd.String("summary"),
				Tags:    tags,
			})
		})
	},
}

var getCommand = &cli.Command{
	Name:      "get",
	Usage:     "Read a document's context block",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		configFlag,
		&cli.StringSliceFlag{Name: "tag", Usage: "key=value tag filter, repeatable; the document is reported not found unless its tags match"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		id := cmd.Args().First()
		if id == "" {
			return fmt.Errorf("get: id argument is required")
		}
		filter, err := parseTagFlags(cmd.StringSlice("tag"))
		if err != nil {
			return err
		}
		return oneShot(ctx, cmd, func(ctx context.Context, k *keeper.Keeper) (any, error) {
			return k.Get(id, filter)
		})
	},
}

var findCommand = &cli.Command{
	Name:  "find",
	Usage: "Search documents",
	Flags: []cli.Flag{
		configFlag,
		&cli.StringFlag{Name: "query", Usage: "semantic/lexical query text"},
		&cli.StringFlag{Name: "similar-to", Usage: "find items similar to this document id instead of a query"},
		&cli.StringSliceFlag{Name: "tag", Usage: "key=value tag filter, repeatable"},
		&cli.IntFlag{Name: "limit", Usage: "max results, 0 uses the configured default"},
		&cli.BoolFlag{Name: "fulltext", Usage: "force lexical search instead of semantic"},
		&cli.BoolFlag{Name: "deep", Usage: "run deep-find (neighbor expansion) instead of a flat search"},
		&cli.StringFlag{Name: "since", Usage: "RFC3339 lower bound on updated_at"},
		&cli.StringFlag{Name: "until", Usage: "RFC3339 upper bound on updated_at"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		filter, err := parseTagFlags(cmd.StringSlice("tag"))
		if err != nil {
			return err
		}
		in := keeper.FindInput{
			Query:     cmd.String("query"),
			SimilarTo: cmd.String("similar-to"),
			TagFilter: filter,
			Limit:     int(cmd.Int("limit")),
			Fulltext:  cmd.Bool("fulltext"),
			Deep:      cmd.Bool("deep"),
		}
		if s := cmd.String("since"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			in.Since = &t
		}
		if s := cmd.String("until"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			in.Until = &t
		}
		return oneShot(ctx, cmd, func(ctx context.Context, k *keeper.Keeper) (any, error) {
			if in.Deep {
				return k.DeepFind(ctx, in)
			}
			return k.Find(ctx, in)
		})
	},
}

var tagCommand = &cli.Command{
	Name:      "tag",
	Usage:     "Merge tags onto a document, no re-fetch or re-embed",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		configFlag,
		&cli.StringSliceFlag{Name: "tag", Usage: "key=value, repeatable; an empty value deletes the key"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		id := cmd.Args().First()
		if id == "" {
			return fmt.Errorf("tag: id argument is required")
		}
		updates, err := parseTagFlags(cmd.StringSlice("tag"))
		if err != nil {
			return err
		}
		return oneShot(ctx, cmd, func(ctx context.Context, k *keeper.Keeper) (any, error) {
			return k.Tag(id, updates)
		})
	},
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "Delete a document",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		configFlag,
		&cli.BoolFlag{Name: "versions", Usage: "also delete archived versions"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		id := cmd.Args().First()
		if id == "" {
			return fmt.Errorf("delete: id argument is required")
		}
		return oneShot(ctx, cmd, func(ctx context.Context, k *keeper.Keeper) (any, error) {
			if err := k.Delete(id, cmd.Bool("versions")); err != nil {
				return nil, err
			}
			return map[string]string{"deleted": id}, nil
		})
	},
}
