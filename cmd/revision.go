package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wikivault/wikivault/internal/store"
)

func newRevisionCmd() *cobra.Command {
	var (
		at  string
		dir string
	)

	cmd := &cobra.Command{
		Use:   "revision <page-id>",
		Short: "Looks up the archived revision of a page at a point in time",
		Long: `Prints the page revision matching a timestamp as JSON. The direction
controls which side of the timestamp wins: before returns the latest
revision at or before it, after returns the earliest at or after it, and
nearest returns whichever is closer, preferring the earlier one on ties.`,

		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRevision(cmd, args[0], at, dir)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "timestamp in RFC3339 form (default now)")
	cmd.Flags().StringVar(&dir, "dir", "before", "lookup direction: before, after, or nearest")

	return cmd
}

func runRevision(cmd *cobra.Command, pageID, at, dir string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ts := time.Now().UTC()
	if at != "" {
		ts, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("parse --at: %w", err)
		}
	}

	var direction store.Direction
	switch dir {
	case "before":
		direction = store.Before
	case "after":
		direction = store.After
	case "nearest":
		direction = store.Nearest
	default:
		return fmt.Errorf("unknown direction %q: want before, after, or nearest", dir)
	}

	rev, err := appInstance.Archive().RevisionAt(cmd.Context(), pageID, ts, direction)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no revision of page %s %s %s", pageID, dir, ts.Format(time.RFC3339))
		}
		return fmt.Errorf("look up revision: %w", err)
	}

	out, err := json.MarshalIndent(rev, "", "  ")
	if err != nil {
		return fmt.Errorf("encode revision: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
