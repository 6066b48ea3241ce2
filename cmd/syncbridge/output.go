package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/syncbridge/internal/syncbridge"
)

// printer writes command results as indented JSON or as one-line text
// summaries.
type printer struct {
	format string
	out    io.Writer
}

func (o *rootOptions) output(cmd *cobra.Command) printer {
	return printer{format: o.format, out: cmd.OutOrStdout()}
}

func (p printer) print(value any, text func(io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}
	text(p.out)
	return nil
}

func writeSyncResult(w io.Writer, result syncbridge.SyncResult) {
	fmt.Fprintf(w, "%s %s/%s: %s", result.Direction, result.EntityType, result.EntityID, result.Outcome)
	if result.RemoteID != "" {
		fmt.Fprintf(w, " remote=%s", result.RemoteID)
	}
	if result.Error != "" {
		fmt.Fprintf(w, " error=%q class=%s retryable=%t", result.Error, result.ErrorClass, result.Retryable)
	} else if result.Reason != "" {
		fmt.Fprintf(w, " reason=%q", result.Reason)
	}
	fmt.Fprintln(w)
}

func writeBulkResult(w io.Writer, result syncbridge.BulkResult) {
	fmt.Fprintf(w, "queued=%d failed=%d\n", result.Queued, result.Failed)
	for _, e := range result.Errors {
		target := string(e.EntityType)
		if e.EntityID != "" {
			target += "/" + e.EntityID
		}
		fmt.Fprintf(w, "  %s: %s\n", target, e.Error)
	}
}

func writeDrainResult(w io.Writer, result syncbridge.DrainResult) {
	fmt.Fprintf(w, "claimed=%d done=%d failed=%d retrying=%d deferred=%d\n",
		result.Claimed, result.Done, result.Failed, result.Retrying, result.Deferred)
}

func writeLogEntries(w io.Writer, entries []syncbridge.SyncLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no log entries")
		return
	}
	for _, entry := range entries {
		parts := []string{
			entry.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
			entry.Operation,
			string(entry.Direction),
		}
		if entry.EntityType != "" {
			parts = append(parts, string(entry.EntityType)+"/"+entry.EntityID)
		}
		parts = append(parts, entry.Outcome)
		line := strings.Join(parts, " ")
		if entry.ErrorMessage != "" {
			line += fmt.Sprintf(" error=%q", entry.ErrorMessage)
		}
		fmt.Fprintln(w, line)
	}
}
