package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"medisys.org/internal/audit"
	"medisys.org/internal/auth"
)

func hashPasswordCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "hash-password",
		Usage: "Print a bcrypt hash of the password read from stdin",
		Action: func(c *cli.Context) error {
			pw, err := readSecret(os.Stdin)
			if err != nil {
				return err
			}
			hash, err := auth.HashPasswordCost(pw, e.cfg.Auth.BcryptCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, hash)
			return nil
		},
	}
}

func loginCmd(e *env) *cli.Command {
	var username, ip string
	return &cli.Command{
		Name:  "login",
		Usage: "Authenticate (password read from stdin) and print a session token",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "username",
				Aliases:     []string{"u", "user"},
				Usage:       "Account to authenticate",
				Destination: &username,
				Required:    true,
			},
			ipFlag(&ip),
		},
		Action: func(c *cli.Context) error {
			pw, err := readSecret(os.Stdin)
			if err != nil {
				return err
			}
			store, err := e.open(c.Context)
			if err != nil {
				return err
			}
			sessions, err := e.sessions()
			if err != nil {
				return err
			}
			svc := auth.NewService(store, auth.WithSessions(sessions))
			sess, err := svc.Login(c.Context, username, pw, ip)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, map[string]any{
				"user_id":    sess.UserID,
				"session_id": sess.SessionID,
				"token":      sess.Token,
				"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
			})
		},
	}
}

func ipFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "ip",
		Usage:       "Client address recorded in the audit trail",
		Value:       "127.0.0.1",
		Destination: dst,
	}
}

func tokenFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "token",
		Usage:       "Session token from login (requires a fixed auth.session_secret)",
		EnvVars:     []string{"MEDISYS_TOKEN"},
		Destination: dst,
		Required:    true,
	}
}

// caller resolves the token into the audit context the command acts under.
func (e *env) caller(token, ip string) (audit.Context, error) {
	sessions, err := e.sessions()
	if err != nil {
		return audit.Context{}, err
	}
	return sessions.AuditContext(token, ip)
}

type exportedEntry struct {
	audit.Entry
	Details json.RawMessage `json:"details,omitempty"`
}

func auditCmd(e *env) *cli.Command {
	var (
		token, ip, action, entity string
		since, until              string
		actor, before             int64
		limit                     int
	)
	return &cli.Command{
		Name:  "audit",
		Usage: "Read the audit trail",
		Subcommands: []*cli.Command{
			{
				Name:  "export",
				Usage: "Print audit entries as JSON, newest first; the export itself is audited",
				Flags: []cli.Flag{
					tokenFlag(&token),
					ipFlag(&ip),
					&cli.StringFlag{Name: "since", Usage: "RFC 3339 lower bound (inclusive)", Destination: &since},
					&cli.StringFlag{Name: "until", Usage: "RFC 3339 upper bound (exclusive)", Destination: &until},
					&cli.Int64Flag{Name: "user-id", Usage: "Only entries by this actor", Destination: &actor},
					&cli.StringFlag{Name: "action", Destination: &action},
					&cli.StringFlag{Name: "entity-type", Destination: &entity},
					&cli.IntFlag{Name: "limit", Destination: &limit},
					&cli.Int64Flag{Name: "before-id", Usage: "Continue below this entry id (the last id of the previous page)", Destination: &before},
				},
				Action: func(c *cli.Context) error {
					ac, err := e.caller(token, ip)
					if err != nil {
						return err
					}
					store, err := e.open(c.Context)
					if err != nil {
						return err
					}
					f := audit.Filter{
						ActorUserID: actor,
						Action:      action,
						EntityType:  entity,
						Limit:       limit,
						BeforeID:    before,
					}
					if f.Since, err = parseTime(since); err != nil {
						return fmt.Errorf("--since: %w", err)
					}
					if f.Until, err = parseTime(until); err != nil {
						return fmt.Errorf("--until: %w", err)
					}
					entries, err := audit.NewReader(store, audit.NewLogger()).Export(c.Context, ac, f)
					if err != nil {
						return err
					}
					out := make([]exportedEntry, 0, len(entries))
					for _, en := range entries {
						out = append(out, exportedEntry{Entry: en, Details: json.RawMessage(en.Details)})
					}
					return printJSON(c.App.Writer, out)
				},
			},
		},
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
