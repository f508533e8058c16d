package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/openrelay/socialfeed/client"
	"github.com/openrelay/socialfeed/service/record"
)

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Tail record changes from the server's stream endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "target",
				Aliases: []string{"t"},
				Usage:   "Partition to tail (confirmed, unconfirmed); empty tails all",
			},
			&cli.StringFlag{
				Name:    "filter",
				Aliases: []string{"f"},
				Usage:   "JSON object of dot-path equality terms, e.g. '{\"meta.type\":\"friend\"}'",
			},
			&cli.StringFlag{
				Name:    "query",
				Aliases: []string{"q"},
				Usage:   "jq expression applied to each record before printing",
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			filter := record.Filter{}
			if raw := c.String("filter"); raw != "" {
				parsed, err := record.ParseFilter([]byte(raw))
				if err != nil {
					return fmt.Errorf("invalid filter: %w", err)
				}
				filter = parsed
			}

			var code *gojq.Code
			if expr := c.String("query"); expr != "" {
				query, err := gojq.Parse(expr)
				if err != nil {
					return fmt.Errorf("failed to parse jq query %q: %w", expr, err)
				}
				code, err = gojq.Compile(query)
				if err != nil {
					return fmt.Errorf("failed to compile jq query %q: %w", expr, err)
				}
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))
			cl := client.NewClient(serverURL, nil, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
				<-sigCh
				cancel()
			}()

			envelopes, err := cl.Subscribe(ctx, c.String("target"), filter)
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			for env := range envelopes {
				if env.Type == "open" {
					fmt.Fprintln(os.Stderr, "stream open")
					continue
				}
				for _, rec := range env.Data {
					if code == nil {
						if err := enc.Encode(rec); err != nil {
							return err
						}
						continue
					}

					doc, err := rec.Doc()
					if err != nil {
						logger.Error("failed to convert record", "id", rec.ID, "error", err)
						continue
					}
					iter := code.Run(doc)
					for {
						v, ok := iter.Next()
						if !ok {
							break
						}
						if qerr, isErr := v.(error); isErr {
							logger.Error("jq query error", "error", qerr)
							continue
						}
						if err := enc.Encode(v); err != nil {
							return err
						}
					}
				}
			}
			return nil
		},
	}
}
