package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"handbook/internal/app"
	"handbook/internal/domain"
	"handbook/internal/service"
)

func newGenerateCommand(opts *globalOptions) *cobra.Command {
	var (
		words  int
		policy string
	)
	cmd := &cobra.Command{
		Use:   "generate <topic>",
		Short: "Generate a handbook, resuming it if its artifact already exists",
		Long: `Plan an outline for the topic, then write it section by section into an
append-only Markdown artifact. Interrupting the command stops after the
section in progress; run it again (or use resume) to continue.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := strings.Join(args, " ")
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				svc, err := a.Handbook(policy)
				if err != nil {
					return err
				}
				rep, err := svc.Start(ctx, topic, words)
				printReport(cmd.OutOrStdout(), rep)
				return runOutcome(rep, err)
			})
		},
	}
	cmd.Flags().IntVarP(&words, "words", "w", 0, "Target length in words (default generation.target_words)")
	cmd.Flags().StringVar(&policy, "grounding-policy", "",
		"What to do with sections that have no evidence: disclaim or skip (default generation.grounding_policy)")
	return cmd
}

func newResumeCommand(opts *globalOptions) *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "resume <artifact|topic>",
		Short: "Continue an interrupted or failed handbook run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				svc, err := a.Handbook(policy)
				if err != nil {
					return err
				}
				rep, err := svc.Resume(ctx, runPath(a.Config, args[0]))
				printReport(cmd.OutOrStdout(), rep)
				return runOutcome(rep, err)
			})
		},
	}
	cmd.Flags().StringVar(&policy, "grounding-policy", "",
		"What to do with sections that have no evidence: disclaim or skip (default generation.grounding_policy)")
	return cmd
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <artifact|topic>",
		Short: "Show the state of a handbook run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			rep, err := service.Status(runPath(cfg, args[0]))
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func printReport(w io.Writer, rep service.Report) {
	if rep.Path == "" {
		return
	}
	fmt.Fprintf(w, "%s: %s (%d/%d sections)\n", displayPath(rep.Path), rep.State, rep.Completed, rep.Total)
	if rep.Topic != "" {
		fmt.Fprintf(w, "topic: %s\n", rep.Topic)
	}
	if rep.Failure != nil {
		fmt.Fprintf(w, "failed at section %d (%s): %s\n", rep.Failure.Section, rep.Failure.Title, rep.Failure.Reason)
	}
}

// runOutcome turns an interruption into a hint rather than a bare error.
func runOutcome(rep service.Report, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("interrupted after %d/%d sections; run `handbook resume %s` to continue",
			rep.Completed, rep.Total, displayPath(rep.Path))
	case rep.State == domain.StateFailed:
		return fmt.Errorf("%w; fix the cause and run `handbook resume %s`", err, displayPath(rep.Path))
	default:
		return err
	}
}
