// Command medisysctl is the operator CLI for a MediSys database.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v2"

	"medisys.org/internal/config"
	"medisys.org/internal/obs"
	"medisys.org/internal/session"
	"medisys.org/internal/store/pg"
)

// env is the per-invocation state prepared by the app's Before hook.
type env struct {
	cfg   *config.Config
	store *pg.Store
}

func (e *env) open(ctx context.Context) (*pg.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	store, err := pg.Open(ctx, e.cfg.Database)
	if err != nil {
		return nil, err
	}
	e.store = store
	return store, nil
}

func (e *env) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

func (e *env) sessions() (*session.Manager, error) {
	return session.NewManager(e.cfg.Auth.SessionSecret,
		session.WithIssuer(e.cfg.Auth.Issuer),
		session.WithTTL(e.cfg.Auth.SessionTTL))
}

func main() {
	var (
		configPath string
		e          env
	)
	app := &cli.App{
		Name:  "medisysctl",
		Usage: "Operate a MediSys database: schema, credentials, audit and records",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to a YAML config file",
				EnvVars:     []string{"MEDISYS_CONFIG"},
				Destination: &configPath,
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// stdout carries command output
			obs.Setup(cfg.Logging.Level, "console", os.Stderr)
			e.cfg = cfg
			return nil
		},
		After: func(c *cli.Context) error {
			e.close()
			return nil
		},
		Commands: []*cli.Command{
			bootstrapCmd(&e),
			migrateCmd(&e),
			hashPasswordCmd(&e),
			loginCmd(&e),
			auditCmd(&e),
			departmentsCmd(&e),
			doctorsCmd(&e),
			patientsCmd(&e),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log := obs.Logger()
		log.Error().Err(err).Msg("command failed")
		cancel()
		os.Exit(1)
	}
}

// readSecret reads one line from r; passwords never travel as flags.
func readSecret(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", errors.New("missing password from stdin")
	}
	pw := strings.TrimRight(sc.Text(), "\r\n")
	if pw == "" {
		return "", errors.New("missing password from stdin")
	}
	return pw, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
