package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"medisys.org/internal/bootstrap"
	"medisys.org/internal/migrate"
)

func bootstrapCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "bootstrap",
		Usage: "Apply pending migrations and seed the system account, default users and department",
		Action: func(c *cli.Context) error {
			store, err := e.open(c.Context)
			if err != nil {
				return err
			}
			report, err := bootstrap.FromConfig(store, migrate.NewManager(store.DB()), e.cfg).EnsureSchema(c.Context)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, map[string]any{
				"changed":  report.Changed(),
				"applied":  report.Applied,
				"created":  report.Created,
				"existing": report.Existing,
			})
		},
	}
}

func migrateCmd(e *env) *cli.Command {
	manager := func(c *cli.Context) (*migrate.Manager, error) {
		store, err := e.open(c.Context)
		if err != nil {
			return nil, err
		}
		return migrate.NewManager(store.DB()), nil
	}
	return &cli.Command{
		Name:  "migrate",
		Usage: "Inspect or roll back schema migrations",
		Subcommands: []*cli.Command{
			{
				Name:  "status",
				Usage: "List known migrations and when each was applied",
				Action: func(c *cli.Context) error {
					m, err := manager(c)
					if err != nil {
						return err
					}
					known, err := m.Migrations()
					if err != nil {
						return err
					}
					applied, err := m.Status(c.Context)
					if err != nil {
						return err
					}
					at := make(map[int64]string, len(applied))
					for _, a := range applied {
						at[a.Version] = "applied"
						if a.AppliedAt.Valid {
							at[a.Version] = a.AppliedAt.Time.UTC().Format("2006-01-02T15:04:05Z")
						}
					}
					for _, mig := range known {
						state, ok := at[mig.Version]
						if !ok {
							state = "pending"
						}
						fmt.Fprintf(c.App.Writer, "%s\t%s\n", mig, state)
					}
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "Roll back the most recently applied migration",
				Action: func(c *cli.Context) error {
					m, err := manager(c)
					if err != nil {
						return err
					}
					mig, err := m.Down(c.Context)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "rolled back %s\n", mig)
					return nil
				},
			},
		},
	}
}
