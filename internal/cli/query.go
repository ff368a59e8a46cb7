package cli

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"handbook/internal/app"
	"handbook/internal/prompt"
	"handbook/internal/tui"
)

func newQueryCommand(opts *globalOptions) *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Show the passages closest to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.Join(args, " ")
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Retriever.Retrieve(ctx, q, topK, nil)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Empty() {
					fmt.Fprintln(out, "No matching passages.")
					return nil
				}
				for i, m := range res.Matches {
					fmt.Fprintf(out, "%d. %.3f %s\n   %s\n", i+1, m.Score, prompt.Label(m), oneLine(m.Content, 160))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of passages (default retrieval.top_k)")
	return cmd
}

func newAskCommand(opts *globalOptions) *cobra.Command {
	var (
		topK        int
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question strictly from the ingested documents",
		Args: func(cmd *cobra.Command, args []string) error {
			if !interactive && len(args) == 0 {
				return fmt.Errorf("a question is required unless --tui is set")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rag, err := a.RAG()
				if err != nil {
					return err
				}
				if interactive {
					summary := fmt.Sprintf("%s over %s", a.Embedder.Name(), a.Config.VectorStore.Type)
					_, err := tea.NewProgram(tui.New(ctx, rag, topK, summary), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
					return err
				}
				ans, err := rag.Answer(ctx, strings.Join(args, " "), topK)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, ans.Text)
				if cited := prompt.Citations(ans.Text); len(cited) > 0 {
					fmt.Fprintln(out, "\nSources:")
					for _, c := range cited {
						fmt.Fprintf(out, "- %s p.%d c%d\n", c.Source, c.Page, c.Chunk)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of passages to ground on (default retrieval.top_k)")
	cmd.Flags().BoolVar(&interactive, "tui", false, "Open the interactive console")
	return cmd
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}
