package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/frontdesk/internal/domain/patient"
	"github.com/ehr/frontdesk/internal/domain/scheduling"
)

func appointmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "appointments",
		Aliases: []string{"appt"},
		Short:   "Manage appointments",
	}
	cmd.AddCommand(
		apptCreateCmd(),
		apptUpdateCmd(),
		apptGetCmd(),
		apptCancelCmd(),
		apptDeleteCmd(),
		apptListCmd(),
		apptSummaryCmd(),
		apptConflictCmd(),
		apptBookCmd(),
	)
	return cmd
}

// withService opens a runtime for one command and closes it afterwards.
func withService(cmd *cobra.Command, fn func(ctx context.Context, rt *deps) error) error {
	ctx := cmdContext(cmd)
	rt, err := openDeps(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func draftFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("patient", 0, "Patient id")
	cmd.Flags().String("when", "", `Appointment time, "YYYY-MM-DD HH:MM" or "YYYY-MM-DD HH:MM:SS"`)
	cmd.Flags().String("reason", "", "Reason for the visit")
	cmd.Flags().String("status", "", "Status (defaults to scheduled)")
	cmd.Flags().Int64("visit", 0, "Linked visit id, when the schema supports it")
}

func draftFromFlags(cmd *cobra.Command) scheduling.Draft {
	d := scheduling.Draft{}
	d.PatientID, _ = cmd.Flags().GetInt64("patient")
	d.When, _ = cmd.Flags().GetString("when")
	if cmd.Flags().Changed("reason") {
		reason, _ := cmd.Flags().GetString("reason")
		d.Reason = &reason
	}
	status, _ := cmd.Flags().GetString("status")
	d.Status = scheduling.Status(status)
	if cmd.Flags().Changed("visit") {
		visit, _ := cmd.Flags().GetInt64("visit")
		d.VisitID = &visit
	}
	return d
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, &scheduling.InvalidFormatError{Text: arg}
	}
	return id, nil
}

func apptCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an appointment without a capacity check",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, rt *deps) error {
				a, err := rt.svc.CreateAppointment(ctx, draftFromFlags(cmd))
				if err != nil {
					return err
				}
				fmt.Printf("Created appointment %d at %s\n", a.ID, a.WhenText())
				return nil
			})
		},
	}
	draftFlags(cmd)
	return cmd
}

func apptUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace an appointment's fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, rt *deps) error {
				a, err := rt.svc.UpdateAppointment(ctx, id, draftFromFlags(cmd))
				if err != nil {
					return err
				}
				if a == nil {
					fmt.Printf("No appointment %d; nothing updated\n", id)
					return nil
				}
				fmt.Printf("Updated appointment %d\n", a.ID)
				return nil
			})
		},
	}
	draftFlags(cmd)
	return cmd
}

func apptGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, rt *deps) error {
				a, err := rt.svc.GetAppointment(ctx, id)
				if err != nil {
					return err
				}
				printAppointments(os.Stdout, rt.svc.Capabilities(ctx), []*scheduling.Appointment{a})
				return nil
			})
		},
	}
}

func apptCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an appointment, freeing its slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, rt *deps) error {
				if err := rt.svc.CancelAppointment(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Cancelled appointment %d\n", id)
				return nil
			})
		},
	}
}

func apptDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, rt *deps) error {
				if err := rt.svc.DeleteAppointment(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Deleted appointment %d\n", id)
				return nil
			})
		},
	}
}

func apptListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List appointments in date order",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetInt64("patient")
			today, _ := cmd.Flags().GetBool("today")
			date, _ := cmd.Flags().GetString("date")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			return withService(cmd, func(ctx context.Context, rt *deps) error {
				var (
					items []*scheduling.Appointment
					err   error
				)
				switch {
				case today || date != "":
					day := time.Now()
					if date != "" {
						if day, err = time.Parse("2006-01-02", date); err != nil {
							return &scheduling.InvalidFormatError{Text: date}
						}
					}
					items, err = rt.svc.ListAppointmentsOnDay(ctx, day)
				case patientID > 0:
					items, _, err = rt.svc.ListAppointmentsByPatient(ctx, patientID, limit, offset)
				default:
					items, _, err = rt.svc.ListAppointments(ctx, limit, offset)
				}
				if err != nil {
					return err
				}
				printAppointments(os.Stdout, rt.svc.Capabilities(ctx), items)
				return nil
			})
		},
	}
	cmd.Flags().Int64("patient", 0, "Only this patient's appointments")
	cmd.Flags().Bool("today", false, "Only appointments on today's date")
	cmd.Flags().String("date", "", "Only appointments on this date (YYYY-MM-DD)")
	cmd.Flags().Int("limit", 0, "Maximum rows (0 = all)")
	cmd.Flags().Int("offset", 0, "Rows to skip")
	return cmd
}

func apptSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show a patient's appointment status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetInt64("patient")
			if patientID <= 0 {
				return &scheduling.MissingFieldError{Field: "patient"}
			}
			return withService(cmd, func(ctx context.Context, rt *deps) error {
				summary, err := rt.svc.StatusSummaryForPatient(ctx, patientID)
				if err != nil {
					return err
				}
				fmt.Printf("Patient: %s\n%s\n", rt.svc.PatientName(ctx, patientID), summary)
				return nil
			})
		},
	}
	cmd.Flags().Int64("patient", 0, "Patient id")
	return cmd
}

func apptConflictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflict",
		Short: "Check whether a time slot is at capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			when, _ := cmd.Flags().GetString("when")
			exclude, _ := cmd.Flags().GetInt64("exclude")
			max, _ := cmd.Flags().GetInt("max")
			return withService(cmd, func(ctx context.Context, rt *deps) error {
				check, err := rt.svc.CheckSlot(ctx, when, exclude, max)
				if err != nil {
					return err
				}
				printSlot(os.Stdout, check)
				return nil
			})
		},
	}
	cmd.Flags().String("when", "", "Slot time")
	cmd.Flags().Int64("exclude", scheduling.NoExclusion, "Appointment id to leave out of the count")
	cmd.Flags().Int("max", 0, "Capacity (0 = configured SLOT_CAPACITY)")
	return cmd
}

func apptBookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Create an appointment if its slot has room",
		RunE: func(cmd *cobra.Command, args []string) error {
			max, _ := cmd.Flags().GetInt("max")
			confirm, _ := cmd.Flags().GetBool("confirm")
			return withService(cmd, func(ctx context.Context, rt *deps) error {
				res, err := rt.svc.BookAppointment(ctx, draftFromFlags(cmd), max, confirm)
				if err != nil {
					return err
				}
				printSlot(os.Stdout, &res.Slot)
				if !res.Booked {
					return errSlotFull
				}
				fmt.Printf("Booked appointment %d at %s\n", res.Appointment.ID, res.Appointment.WhenText())
				return nil
			})
		},
	}
	draftFlags(cmd)
	cmd.Flags().Int("max", 0, "Capacity (0 = configured SLOT_CAPACITY)")
	cmd.Flags().Bool("confirm", false, "Book even when the slot is full")
	return cmd
}

func patientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "Seed and look up patients",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			first, _ := cmd.Flags().GetString("first")
			last, _ := cmd.Flags().GetString("last")
			return withService(cmd, func(ctx context.Context, rt *deps) error {
				p := &patient.Patient{FirstName: first, LastName: last}
				if err := rt.patients.Create(ctx, p); err != nil {
					return err
				}
				fmt.Printf("Created patient %d (%s)\n", p.ID, p.DisplayName())
				return nil
			})
		},
	}
	addCmd.Flags().String("first", "", "First name")
	addCmd.Flags().String("last", "", "Last name")

	nameCmd := &cobra.Command{
		Use:   "name <id>",
		Short: "Print a patient's display name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, rt *deps) error {
				fmt.Println(rt.svc.PatientName(ctx, id))
				return nil
			})
		},
	}

	cmd.AddCommand(addCmd, nameCmd)
	return cmd
}

func printAppointments(w io.Writer, caps *scheduling.Capabilities, items []*scheduling.Appointment) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No appointments.")
		return
	}
	if caps.HasStatus() {
		fmt.Fprintf(w, "%-8s %-8s %-20s %-12s %s\n", "ID", "PATIENT", "WHEN", "STATUS", "REASON")
	} else {
		fmt.Fprintf(w, "%-8s %-8s %-20s %s\n", "ID", "PATIENT", "WHEN", "REASON")
	}
	for _, a := range items {
		reason := ""
		if a.Reason != nil {
			reason = *a.Reason
		}
		if caps.HasStatus() {
			fmt.Fprintf(w, "%-8d %-8d %-20s %-12s %s\n", a.ID, a.PatientID, a.WhenText(), a.Status, reason)
		} else {
			fmt.Fprintf(w, "%-8d %-8d %-20s %s\n", a.ID, a.PatientID, a.WhenText(), reason)
		}
	}
}

func printSlot(w io.Writer, check *scheduling.SlotCheck) {
	state := "available"
	if check.Conflict {
		state = "full"
	}
	fmt.Fprintf(w, "Slot %s: %d of %d booked (%s)\n", scheduling.FormatWhen(check.When), check.Active, check.Max, state)
}
