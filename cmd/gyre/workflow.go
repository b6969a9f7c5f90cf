package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/dsl"
	"github.com/gyre-io/gyre/internal/runtime"
)

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			// Parse and build the task tree up front so a broken document
			// is rejected at upload time, not when the first start arrives.
			doc, _, err := dsl.Load(source)
			if err != nil {
				return err
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

			def := &domain.Definition{
				ID:      domain.NewID(),
				Name:    doc.Document.Name,
				Version: doc.Document.Version,
				Format:  dsl.DetectFormat(source),
				Source:  source,
			}
			if err := s.PutDefinition(cmd.Context(), def); err != nil {
				return err
			}

			fmt.Printf("Uploaded %s@%s\n", def.Name, def.Version)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List uploaded workflow definitions",
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

			defs, err := s.ListDefinitions(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(defs) == 0 {
				fmt.Println("No definitions uploaded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tFORMAT\tSTATUS\tUPLOADED")
			for _, d := range defs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					d.Name,
					d.Version,
					d.Format,
					d.Status,
					d.CreatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum definitions to list")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name> <version> [input]",
		Short: "Start a workflow instance",
		Long:  "Enqueues a start continuation for an uploaded definition. Pass 'latest' as the version to resolve the newest upload. Input is a JSON value; it defaults to null.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, version := args[0], args[1]
			if version == "latest" {
				version = ""
			}

			input := json.RawMessage("null")
			if len(args) == 3 {
				input = json.RawMessage(args[2])
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

			notifier, closeNotify := newNotifier(cfg)
			defer closeNotify()

			starter := runtime.NewStarter(s, s, notifier)
			id, err := starter.StartWorkflow(cmd.Context(), name, version, input)
			if err != nil {
				return err
			}

			fmt.Println(id)
			return nil
		},
	}
}

func runsCmd() *cobra.Command {
	var (
		name  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "runs [workflowID]",
		Short: "Show terminal workflow runs",
		Args:  cobra.MaximumNArgs(1),
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

			if len(args) == 1 {
				run, err := s.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Workflow:  %s@%s\n", run.WorkflowName, run.WorkflowVersion)
				fmt.Printf("Instance:  %s\n", run.WorkflowID)
				fmt.Printf("Status:    %s\n", run.Status)
				fmt.Printf("Finished:  %s\n", run.FinishedAt.Format("2006-01-02 15:04:05"))
				if run.Status == domain.RunStatusFailed {
					fmt.Printf("Error:\n%s\n", indentJSON(run.Error))
				} else {
					fmt.Printf("Output:\n%s\n", indentJSON(run.Output))
				}
				return nil
			}

			runs, err := s.ListRuns(cmd.Context(), name, limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WORKFLOW\tVERSION\tINSTANCE\tSTATUS\tFINISHED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					truncate(r.WorkflowName, 30),
					r.WorkflowVersion,
					r.WorkflowID,
					r.Status,
					r.FinishedAt.Format("2006-01-02 15:04:05"),
				)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "workflow", "", "Only runs of this workflow name")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to list")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <file> [input]",
		Short: "Run a workflow document locally to completion",
		Long:  "Executes a document on in-memory infrastructure and prints the result. Call and run tasks still reach the network and the host; nothing survives the command.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			input := json.RawMessage("null")
			if len(args) == 2 {
				input = json.RawMessage(args[1])
				if !json.Valid(input) {
					return fmt.Errorf("input is not valid JSON")
				}
			}

			run, err := runtime.RunLocal(cmd.Context(), source, input)
			if err != nil {
				return err
			}

			if run.Status == domain.RunStatusFailed {
				fmt.Fprintln(os.Stderr, indentJSON(run.Error))
				return fmt.Errorf("workflow %s failed", run.WorkflowID)
			}
			fmt.Println(indentJSON(run.Output))
			return nil
		},
	}
}
