package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/syncbridge/internal/syncbridge"
	"github.com/agentworkforce/syncbridge/internal/syncclient"
)

func newSyncCommand(root *rootOptions) *cobra.Command {
	var req syncclient.SyncRequest
	var direction string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync one entity now",
		Long: `Sync one entity immediately and print the outcome.

Example:
  syncbridge sync --connection conn_123 --type projects --id proj_42
  syncbridge sync --connection conn_123 --type calendar_events --id evt_7 --direction from_remote`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(map[string]string{"connection": req.ConnectionID, "type": req.EntityType, "id": req.EntityID}); err != nil {
				return err
			}
			switch syncbridge.Direction(direction) {
			case "", syncbridge.DirectionToRemote, syncbridge.DirectionFromRemote:
				req.Direction = syncbridge.Direction(direction)
			default:
				return usageError(errors.New("--direction must be to_remote or from_remote"))
			}
			result, err := root.client().SyncEntity(cmd.Context(), req)
			if err != nil {
				return err
			}
			return root.output(cmd).print(result, func(w io.Writer) { writeSyncResult(w, result) })
		},
	}

	cmd.Flags().StringVar(&req.ConnectionID, "connection", "", "connection id")
	cmd.Flags().StringVar(&req.EntityType, "type", "", "entity type (subcontractors, projects, payment_applications, change_orders, calendar_events)")
	cmd.Flags().StringVar(&req.EntityID, "id", "", "local entity id")
	cmd.Flags().StringVar(&direction, "direction", string(syncbridge.DirectionToRemote), "to_remote or from_remote")
	return cmd
}

func newEnqueueCommand(root *rootOptions) *cobra.Command {
	var req syncbridge.BulkRequest

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue entities for background sync",
		Long: `Queue outbound syncs for a connection. Without --ids every local entity
of the type that has not synced yet is queued; --type all covers every
type the provider supports.

Example:
  syncbridge enqueue --connection conn_123 --type all
  syncbridge enqueue --connection conn_123 --type change_orders --ids co_1,co_2 --priority 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(map[string]string{"connection": req.ConnectionID, "type": req.EntityType}); err != nil {
				return err
			}
			result, err := root.client().EnqueueBulk(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := root.output(cmd).print(result, func(w io.Writer) { writeBulkResult(w, result) }); err != nil {
				return err
			}
			if result.Failed > 0 && result.Queued == 0 {
				return errors.New("nothing was queued")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ConnectionID, "connection", "", "connection id")
	cmd.Flags().StringVar(&req.EntityType, "type", "", "entity type or \"all\"")
	cmd.Flags().StringSliceVar(&req.EntityIDs, "ids", nil, "comma separated local entity ids")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "queue priority, higher runs first")
	return cmd
}

func newDrainCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process one batch of due queued syncs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := root.client().Drain(cmd.Context())
			if err != nil {
				return err
			}
			return root.output(cmd).print(result, func(w io.Writer) { writeDrainResult(w, result) })
		},
	}
}

func newLogsCommand(root *rootOptions) *cobra.Command {
	var connectionID string
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent sync log entries for a connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(map[string]string{"connection": connectionID}); err != nil {
				return err
			}
			page, err := root.client().ListLogs(cmd.Context(), connectionID, limit)
			if err != nil {
				return err
			}
			return root.output(cmd).print(page, func(w io.Writer) { writeLogEntries(w, page.Entries) })
		},
	}

	cmd.Flags().StringVar(&connectionID, "connection", "", "connection id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries, newest first")
	return cmd
}

func newDisconnectCommand(root *rootOptions) *cobra.Command {
	var connectionID string

	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Deactivate a connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(map[string]string{"connection": connectionID}); err != nil {
				return err
			}
			conn, err := root.client().Disconnect(cmd.Context(), connectionID)
			if err != nil {
				return err
			}
			return root.output(cmd).print(conn, func(w io.Writer) {
				fmt.Fprintf(w, "disconnected %s (%s)\n", conn.ID, conn.Provider)
			})
		},
	}

	cmd.Flags().StringVar(&connectionID, "connection", "", "connection id")
	return cmd
}

// requireFlags reports every empty flag at once, in flag name order.
func requireFlags(values map[string]string) error {
	var missing []string
	for _, name := range []string{"connection", "type", "id"} {
		if value, ok := values[name]; ok && strings.TrimSpace(value) == "" {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return usageError(errors.New("missing required flags: " + strings.Join(missing, ", ")))
	}
	return nil
}
