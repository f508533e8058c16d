package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "socialfeed",
		Usage: "Social transaction feed service CLI",
		Description: `A command-line tool for managing and debugging the socialfeed service.

Use this CLI to inspect database state, tail the change stream, and check server health.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Database inspection and maintenance commands
			{
				Name:  "db",
				Usage: "Database inspection and maintenance commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					listRecordsCommand(),
					getRecordCommand(),
					cursorCommand(),
					resetResumeTokenCommand(),
				},
			},
			// Change stream commands
			{
				Name:  "stream",
				Usage: "Change stream commands",
				Subcommands: []*cli.Command{
					tailCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Server URL for API and health checks",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
