package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/syncbridge/internal/syncclient"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitFailure      = 1
	exitCommandError = 2
)

var validFormats = []string{"text", "json"}

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	serverURL  string
	token      string
	timeout    time.Duration
	format     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "syncbridge",
		Short: "Bidirectional entity sync with QuickBooks Online and Google Calendar",
		Long: `syncbridge keeps local projects, subcontractors, payment applications,
change orders and calendar events in step with the accounting and calendar
services a tenant has connected.

"serve" runs the API, webhook inbox and background consumers. The other
commands talk to a running server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.format) {
				return usageError(fmt.Errorf("invalid format %q: must be one of %v", opts.format, validFormats))
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", envOrDefault("SYNCBRIDGE_CONFIG", ""), "path to a YAML config file")
	flags.StringVar(&opts.serverURL, "server", envOrDefault("SYNCBRIDGE_SERVER_URL", "http://127.0.0.1:8080"), "syncbridge server URL")
	flags.StringVar(&opts.token, "token", envOrDefault("SYNCBRIDGE_TOKEN", ""), "bearer token for the server")
	flags.DurationVar(&opts.timeout, "timeout", durationEnv("SYNCBRIDGE_CLIENT_TIMEOUT", 30*time.Second), "per-request timeout")
	flags.StringVar(&opts.format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newDrainCommand(opts))
	cmd.AddCommand(newLogsCommand(opts))
	cmd.AddCommand(newDisconnectCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (o *rootOptions) client() *syncclient.Client {
	return syncclient.New(o.serverURL, o.token, &http.Client{Timeout: o.timeout})
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

// commandError marks failures caused by how the command was invoked rather
// than by what it did.
type commandError struct {
	err error
}

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &commandError{err: err}
}

func exitCode(err error) int {
	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		return exitCommandError
	}
	return exitFailure
}
