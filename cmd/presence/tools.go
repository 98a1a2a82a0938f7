package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/driver"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/serialport"
)

// listPorts is swapped in tests.
var listPorts = serialport.ListPorts

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports the OS reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := listPorts()
			if err != nil {
				return fmt.Errorf("list serial ports: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "No serial ports found.")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:       "migrate <" + strings.Join(db.MigrateActions, "|") + "> [version]",
		Short:     "Manage the recording database schema",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: db.MigrateActions,
		RunE: func(cmd *cobra.Command, args []string) error {
			return db.RunMigrateCommand(cmd.OutOrStdout(), dbPath, args)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "presence.db", "sqlite database path")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the driver status of a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			return printStatus(ctx, cmd, httpClient, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8088", "base URL of the service")
	return cmd
}

var httpClient httputil.HTTPClient = &http.Client{Timeout: 5 * time.Second}

func printStatus(ctx context.Context, cmd *cobra.Command, c httputil.HTTPClient, addr string) error {
	var st driver.Status
	if err := httputil.GetJSON(ctx, c, strings.TrimSuffix(addr, "/")+"/api/status", &st); err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "state\t%s\n", st.State)
	fmt.Fprintf(w, "initialized\t%v\n", st.Initialized)
	fmt.Fprintf(w, "device\t%s\n", orDash(st.Device))
	fmt.Fprintf(w, "session\t%s\n", orDash(st.SessionID))
	fmt.Fprintf(w, "features\t%s\n", orDash(strings.Join(st.Features, ",")))
	fmt.Fprintf(w, "image mode\t%s\n", st.ImageMode)
	fmt.Fprintf(w, "frames\t%d of %d (%d failed)\n", st.Sequence, st.Iterations, st.Failures)
	fmt.Fprintf(w, "restarts\t%d\n", st.Restarts)
	if st.LastError != "" {
		fmt.Fprintf(w, "last error\t%s\n", st.LastError)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
