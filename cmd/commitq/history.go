package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/commitq-dev/commitq/internal/storage"
	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently landed and discarded changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Landed   []storage.Landed  `json:"landed"`
				Discards []storage.Discard `json:"discards"`
			}
			if err := apiGet("/api/history", &payload); err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(payload)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LANDED\tOWNER\tREVISION\tWHEN")
			for _, l := range payload.Landed {
				fmt.Fprintf(w, "%d-%d\t%s\t%s\t%s\n",
					l.Issue, l.Patchset, l.Owner, l.Revision, relTime(l.LandedAt))
			}
			w.Flush()

			if len(payload.Discards) > 0 {
				fmt.Println()
				w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "DISCARDED\tOWNER\tREASON\tWHEN")
				for _, d := range payload.Discards {
					fmt.Fprintf(w, "%d-%d\t%s\t%s\t%s\n",
						d.Issue, d.Patchset, d.Owner, firstLine(d.Reason), relTime(d.DiscardedAt))
				}
				w.Flush()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func relTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Minute)
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Format("2006-01-02")
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
