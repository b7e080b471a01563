package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"medisys.org/internal/audit"
	"medisys.org/internal/records"
)

// recordsAction resolves the caller and hands fn a records service bound to the store.
func recordsAction(e *env, token, ip *string, fn func(c *cli.Context, svc *records.Service, ac audit.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		ac, err := e.caller(*token, *ip)
		if err != nil {
			return err
		}
		store, err := e.open(c.Context)
		if err != nil {
			return err
		}
		return fn(c, records.NewService(store), ac)
	}
}

func departmentsCmd(e *env) *cli.Command {
	var token, ip, name, description string
	var head int64
	var limit, offset int
	return &cli.Command{
		Name:  "departments",
		Usage: "Manage departments",
		Flags: []cli.Flag{tokenFlag(&token), ipFlag(&ip)},
		Subcommands: []*cli.Command{
			{
				Name: "list",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Destination: &limit},
					&cli.IntFlag{Name: "offset", Destination: &offset},
				},
				Action: recordsAction(e, &token, &ip, func(c *cli.Context, svc *records.Service, ac audit.Context) error {
					out, err := svc.ListDepartments(c.Context, ac, limit, offset)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, out)
				}),
			},
			{
				Name: "add",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true, Destination: &name},
					&cli.StringFlag{Name: "description", Destination: &description},
					&cli.Int64Flag{Name: "head-id", Usage: "User id of the department head", Destination: &head},
				},
				Action: recordsAction(e, &token, &ip, func(c *cli.Context, svc *records.Service, ac audit.Context) error {
					d := records.Department{Name: name, Description: description}
					if head != 0 {
						d.HeadID = &head
					}
					out, err := svc.CreateDepartment(c.Context, ac, d)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, out)
				}),
			},
		},
	}
}

func doctorsCmd(e *env) *cli.Command {
	var token, ip string
	var department int64
	var limit, offset int
	return &cli.Command{
		Name:  "doctors",
		Usage: "Browse doctors",
		Flags: []cli.Flag{tokenFlag(&token), ipFlag(&ip)},
		Subcommands: []*cli.Command{
			{
				Name: "list",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "department-id", Usage: "Only doctors of this department", Destination: &department},
					&cli.IntFlag{Name: "limit", Destination: &limit},
					&cli.IntFlag{Name: "offset", Destination: &offset},
				},
				Action: recordsAction(e, &token, &ip, func(c *cli.Context, svc *records.Service, ac audit.Context) error {
					out, err := svc.ListDoctors(c.Context, ac, department, limit, offset)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, out)
				}),
			},
		},
	}
}

func patientsCmd(e *env) *cli.Command {
	var (
		token, ip     string
		id            int64
		limit, offset int
		p             records.Patient
		dob           string
	)
	patientFlags := []cli.Flag{
		&cli.StringFlag{Name: "first-name", Required: true, Destination: &p.FirstName},
		&cli.StringFlag{Name: "last-name", Required: true, Destination: &p.LastName},
		&cli.StringFlag{Name: "dob", Usage: "Date of birth, YYYY-MM-DD", Required: true, Destination: &dob},
		&cli.StringFlag{Name: "gender", Usage: "male, female or other", Required: true, Destination: &p.Gender},
		&cli.StringFlag{Name: "address", Destination: &p.Address},
		&cli.StringFlag{Name: "mobile", Destination: &p.Mobile},
		&cli.StringFlag{Name: "email", Destination: &p.Email},
		&cli.StringFlag{Name: "emergency-contact-name", Destination: &p.EmergencyContactName},
		&cli.StringFlag{Name: "emergency-contact-mobile", Destination: &p.EmergencyContactMobile},
	}
	idFlag := &cli.Int64Flag{Name: "id", Required: true, Destination: &id}
	parseDOB := func() error {
		t, err := time.Parse("2006-01-02", dob)
		if err != nil {
			return fmt.Errorf("--dob: %w", err)
		}
		p.DOB = t
		return nil
	}

	return &cli.Command{
		Name:  "patients",
		Usage: "Manage patient records",
		Flags: []cli.Flag{tokenFlag(&token), ipFlag(&ip)},
		Subcommands: []*cli.Command{
			{
				Name: "list",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Destination: &limit},
					&cli.IntFlag{Name: "offset", Destination: &offset},
				},
				Action: recordsAction(e, &token, &ip, func(c *cli.Context, svc *records.Service, ac audit.Context) error {
					out, err := svc.ListPatients(c.Context, ac, limit, offset)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, out)
				}),
			},
			{
				Name:  "show",
				Flags: []cli.Flag{idFlag},
				Action: recordsAction(e, &token, &ip, func(c *cli.Context, svc *records.Service, ac audit.Context) error {
					out, err := svc.GetPatient(c.Context, ac, id)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, out)
				}),
			},
			{
				Name:  "add",
				Flags: patientFlags,
				Action: recordsAction(e, &token, &ip, func(c *cli.Context, svc *records.Service, ac audit.Context) error {
					if err := parseDOB(); err != nil {
						return err
					}
					out, err := svc.CreatePatient(c.Context, ac, p)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, out)
				}),
			},
			{
				Name:  "update",
				Usage: "Replace every editable field of a patient",
				Flags: append([]cli.Flag{idFlag}, patientFlags...),
				Action: recordsAction(e, &token, &ip, func(c *cli.Context, svc *records.Service, ac audit.Context) error {
					if err := parseDOB(); err != nil {
						return err
					}
					p.ID = id
					out, err := svc.UpdatePatient(c.Context, ac, p)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, out)
				}),
			},
			{
				Name:  "delete",
				Flags: []cli.Flag{idFlag},
				Action: recordsAction(e, &token, &ip, func(c *cli.Context, svc *records.Service, ac audit.Context) error {
					if err := svc.DeletePatient(c.Context, ac, id); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "deleted patient %d\n", id)
					return nil
				}),
			},
		},
	}
}
