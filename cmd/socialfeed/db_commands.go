package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/openrelay/socialfeed/service/db"
	"github.com/openrelay/socialfeed/service/record"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Println("schema applied")
			return nil
		},
	}
}

func listRecordsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-records",
		Usage:   "List stored records",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "partition",
				Aliases: []string{"p"},
				Usage:   "Filter by partition (confirmed, unconfirmed)",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "Filter by signing address",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of records",
				Value: 50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			params := db.ListRecordsParams{
				Address: c.String("address"),
				Limit:   int32(c.Int("limit")),
			}
			if p := c.String("partition"); p != "" {
				part := record.Partition(p)
				if !part.Valid() {
					return fmt.Errorf("unknown partition: %s", p)
				}
				params.Partition = part
			}

			recs, err := store.ListRecords(context.Background(), params)
			if err != nil {
				return fmt.Errorf("failed to list records: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(recs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPARTITION\tHEIGHT\tTIMESTAMP")
			for _, rec := range recs {
				height := "-"
				if rec.Block != nil {
					height = fmt.Sprintf("%d", rec.Block.Height)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					rec.ID,
					rec.Partition(),
					height,
					rec.Timestamp.Format(time.RFC3339),
				)
			}
			return w.Flush()
		},
	}
}

func getRecordCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-record",
		Usage:     "Get a single record by id",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return fmt.Errorf("record id is required")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			rec, err := store.GetRecord(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get record: %w", err)
			}
			return outputJSON(rec)
		},
	}
}

func cursorCommand() *cli.Command {
	return &cli.Command{
		Name:  "cursor",
		Usage: "Show or set the crawl cursor",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "set",
				Usage: "Set the cursor to this height",
				Value: -1,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if h := c.Int64("set"); h >= 0 {
				if err := store.SetCursor(context.Background(), h); err != nil {
					return fmt.Errorf("failed to set cursor: %w", err)
				}
				fmt.Printf("cursor set to %d\n", h)
				return nil
			}

			height, err := store.GetCursor(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get cursor: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(map[string]int64{"height": height})
			}
			fmt.Printf("cursor height: %d\n", height)
			return nil
		},
	}
}

func resetResumeTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset-resume-token",
		Usage: "Delete the live tail resume token to force a resync",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.ClearResumeToken(context.Background()); err != nil {
				return fmt.Errorf("failed to clear resume token: %w", err)
			}
			fmt.Println("resume token cleared")
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" && c.App != nil {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
