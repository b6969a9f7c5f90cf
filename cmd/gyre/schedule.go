package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/gyre-io/gyre/internal/domain"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-started workflows",
		Long:  "A schedule starts a fresh instance of an uploaded definition on a cron expression. The running daemon reloads schedules on startup; adds and removals take effect on its next restart.",
	}
	cmd.AddCommand(
		scheduleAddCmd(),
		scheduleListCmd(),
		scheduleRmCmd(),
	)
	return cmd
}

// scheduleParser mirrors the daemon scheduler: standard five-field cron plus
// @descriptors, no seconds column.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func scheduleAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <version> <cron> [input]",
		Short: "Add a schedule",
		Long:  "Adds a cron schedule for an uploaded definition, e.g.\n\n  gyre schedule add billing-cycle 1.0.0 '0 3 * * *' '{\"dryRun\":false}'",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, version, expr := args[0], args[1], args[2]

			if _, err := scheduleParser.Parse(expr); err != nil {
				return fmt.Errorf("invalid cron expression %q: %w", expr, err)
			}

			var input json.RawMessage
			if len(args) == 4 {
				input = json.RawMessage(args[3])
				if !json.Valid(input) {
					return fmt.Errorf("input is not valid JSON")
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			// Reject schedules for definitions that were never uploaded.
			if version == "latest" || version == "" {
				version = ""
				if _, err := s.LatestDefinition(cmd.Context(), name); err != nil {
					return err
				}
			} else if _, err := s.GetDefinition(cmd.Context(), name, version); err != nil {
				return err
			}

			sched := &domain.Schedule{
				ID:              domain.NewID(),
				WorkflowName:    name,
				WorkflowVersion: version,
				CronExpr:        expr,
				Input:           input,
				Enabled:         true,
			}
			if err := s.PutSchedule(cmd.Context(), sched); err != nil {
				return err
			}

			fmt.Println(sched.ID)
			return nil
		},
	}
}

func scheduleListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List schedules",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			list, err := s.ListSchedules(cmd.Context(), !all)
			if err != nil {
				return err
			}

			if len(list) == 0 {
				fmt.Println("No schedules")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWORKFLOW\tVERSION\tCRON\tENABLED\tLAST FIRED")
			for _, sc := range list {
				lastFired := "never"
				if sc.LastFiredAt != nil {
					lastFired = sc.LastFiredAt.Format("2006-01-02 15:04:05")
				}
				version := sc.WorkflowVersion
				if version == "" {
					version = "latest"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
					sc.ID,
					truncate(sc.WorkflowName, 30),
					version,
					sc.CronExpr,
					sc.Enabled,
					lastFired,
				)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include disabled schedules")
	return cmd
}

func scheduleRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := s.DeleteSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Schedule %s removed\n", args[0])
			return nil
		},
	}
}
