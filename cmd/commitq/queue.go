package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	queueHeaderStyle = lipgloss.NewStyle().Bold(true)

	queueProcessingStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "136", Dark: "226"}) // Yellow
	queueSucceededStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "46"})   // Green
	queueFailedStyle     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "124", Dark: "196"}) // Red
	queueIgnoredStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "242", Dark: "246"}) // Gray
)

func styleState(state string) string {
	return styleStateText(state, state)
}

func styleStatePadded(state string, width int) string {
	return styleStateText(state, fmt.Sprintf("%-*s", width, state))
}

func styleStateText(state, text string) string {
	switch state {
	case "processing":
		return queueProcessingStyle.Render(text)
	case "succeeded":
		return queueSucceededStyle.Render(text)
	case "failed":
		return queueFailedStyle.Render(text)
	case "ignored":
		return queueIgnoredStyle.Render(text)
	}
	return text
}

type queueEntry struct {
	Issue         int64             `json:"issue"`
	Patchset      int64             `json:"patchset"`
	Owner         string            `json:"owner"`
	State         string            `json:"state"`
	Verifications map[string]string `json:"verifications"`
}

func queueCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the pending commits being verified",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				PendingCommits []queueEntry `json:"pending_commits"`
			}
			if err := apiGet("/api/queue", &payload); err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(payload.PendingCommits)
			}

			if len(payload.PendingCommits) == 0 {
				fmt.Println("Queue is empty")
				return nil
			}

			fmt.Println(queueHeaderStyle.Render(fmt.Sprintf(
				"%-12s %-9s %-28s %-11s %s",
				"ISSUE", "PATCHSET", "OWNER", "STATE", "VERIFIERS")))
			for _, e := range payload.PendingCommits {
				names := make([]string, 0, len(e.Verifications))
				for name := range e.Verifications {
					names = append(names, name)
				}
				sort.Strings(names)
				var parts []string
				for _, name := range names {
					parts = append(parts, name+"="+styleState(e.Verifications[name]))
				}
				// Pad before styling so ANSI codes don't skew columns.
				fmt.Printf("%-12d %-9d %-28s %s %s\n",
					e.Issue, e.Patchset, truncate(e.Owner, 28),
					styleStatePadded(e.State, 11), strings.Join(parts, " "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func truncate(s string, n int) string {
	// Slice by runes so a multibyte owner name is never cut mid-rune.
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
