package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"order-sync-service/internal/config"
	"order-sync-service/internal/database"
	"order-sync-service/internal/store"
	syncengine "order-sync-service/internal/sync"
)

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			db, err := database.NewDatabase(cfg.StateStorage)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "migration failed", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s database is up to date\n", cfg.StateStorage.Type)
			return nil
		},
	}
}

// StatusResult is the status command's JSON shape.
type StatusResult struct {
	Pending   int              `json:"pending"`
	Exhausted int              `json:"exhausted"`
	State     *store.SyncState `json:"state,omitempty"`
}

func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and the last recorded sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer st.Close()

			q := syncengine.NewQueue(st, cfg.Sync, time.Now)
			var res StatusResult
			if res.Pending, res.Exhausted, err = q.Counts(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "failed to count queue", err)
			}
			res.State, err = st.GetSyncState(cmd.Context(), string(syncengine.EntityOrder))
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return WrapExitError(ExitFailure, "failed to load sync state", err)
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, res)
			}
			fmt.Fprintf(out, "pending:   %d\n", res.Pending)
			fmt.Fprintf(out, "exhausted: %d\n", res.Exhausted)
			if res.State == nil {
				fmt.Fprintln(out, "last sync: never")
				return nil
			}
			fmt.Fprintf(out, "last sync: %s (%s)\n", formatMillis(res.State.LastSyncTime), res.State.Status)
			if res.State.ErrorMessage != "" {
				fmt.Fprintf(out, "error:     %s\n", res.State.ErrorMessage)
			}
			return nil
		},
	}
}

func NewQueueCommand(opts *RootOptions) *cobra.Command {
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued sync actions in drain order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer st.Close()

			q := syncengine.NewQueue(st, cfg.Sync, time.Now)
			entries, err := q.List(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list queue", err)
			}
			if failedOnly {
				kept := entries[:0]
				for _, e := range entries {
					if q.Exhausted(e) {
						kept = append(kept, e)
					}
				}
				entries = kept
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				if entries == nil {
					entries = []*store.QueueEntry{}
				}
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "queue is empty")
				return nil
			}
			rows := make([][]any, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []any{e.ID, e.EntityType, e.EntityID, e.Action, e.Priority, e.RetryCount, formatMillis(e.EnqueuedAt), e.LastError})
			}
			return table(out, "ID\tENTITY\tENTITY ID\tACTION\tPRIORITY\tRETRIES\tENQUEUED\tLAST ERROR", rows)
		},
	}

	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only show exhausted actions")
	return cmd
}

func NewClearFailedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-failed",
		Short: "Delete actions that exhausted their retries",
		Long: `Delete queued actions that exhausted their retries.

Run this while the server is stopped; a running server keeps its own
counts and retry timers and only notices on its next drain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer st.Close()

			ids, err := syncengine.NewQueue(st, cfg.Sync, time.Now).ClearExhausted(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to clear exhausted actions", err)
			}

			if opts.Format == "json" {
				if ids == nil {
					ids = []string{}
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"cleared": ids})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d failed action(s)\n", len(ids))
			return nil
		},
	}
}

func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent drain cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return WrapExitError(ExitCommandError, "invalid --limit", fmt.Errorf("must be positive, got %d", limit))
			}
			_, st, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer st.Close()

			history, err := st.GetSyncHistory(cmd.Context(), limit, 0)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to load history", err)
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				if history == nil {
					history = []*store.SyncHistory{}
				}
				return writeJSON(out, history)
			}
			if len(history) == 0 {
				fmt.Fprintln(out, "no sync history")
				return nil
			}
			rows := make([][]any, 0, len(history))
			for _, h := range history {
				rows = append(rows, []any{formatMillis(h.StartedAt), h.Status, h.Processed, h.Succeeded, h.Failed, h.Conflicts, h.ErrorMessage})
			}
			return table(out, "STARTED\tSTATUS\tPROCESSED\tOK\tFAILED\tCONFLICTS\tERROR", rows)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of cycles to show")
	return cmd
}
