package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/fleetwatch/internal/lifecycle"
	"github.com/TheMichaelB/fleetwatch/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current state of every resource",
	Long: `Status runs one full refresh against the platform and prints every
collection with its lifecycle state. With --cached it prints the last saved
snapshot without contacting the platform.`,
	Example: `  fleetwatch status
  fleetwatch status --cached
  fleetwatch status --json`,
	RunE: runStatus,
}

var statusCached bool

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusCached, "cached", false,
		"Show the last saved snapshot only")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusCached {
		if _, err := apiClient.Restore(); err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.API.Timeout+cfg.Sweep.ProbeTimeout)
		defer cancel()

		if err := apiClient.Refresh(ctx); err != nil {
			if errors.Is(err, models.ErrNotAuthenticated) {
				return fmt.Errorf("not logged in, run 'fleetwatch login' first")
			}
			return err
		}
	}

	snapshot := apiClient.Snapshot()

	if jsonOutput {
		out := make(map[string]interface{}, len(snapshot))
		for c, items := range snapshot {
			rows := make([]map[string]interface{}, 0, len(items))
			for _, r := range items {
				rows = append(rows, map[string]interface{}{
					"resource": r,
					"state":    lifecycle.Classify(c, r).State,
				})
			}
			out[string(c)] = rows
		}
		printJSON(out)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, c := range models.AllCollections {
		items := snapshot[c]
		fmt.Fprintf(w, "%s (%d)\n", c, len(items))
		for _, r := range items {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", stateLabel(lifecycle.Classify(c, r)), r.ID, r.Name, detail(r))
		}
	}
	return w.Flush()
}

func detail(r models.Resource) string {
	switch {
	case r.StatusMessage != "":
		return r.StatusMessage
	case r.EndpointURL != "":
		return r.EndpointURL
	case !r.LastHealthCheck.IsZero():
		return fmt.Sprintf("%s, checked %s ago", r.Health, time.Since(r.LastHealthCheck).Round(time.Second))
	}
	return ""
}
