package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"cleanupd/internal/app"
	"cleanupd/internal/clock"
	"cleanupd/internal/config"
	"cleanupd/internal/storage"
	"cleanupd/internal/task/scheduler"
	"cleanupd/internal/window"
	logx "cleanupd/pkg/logx"
)

// Set via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

const stopTimeout = 15 * time.Second

func newRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "cleanupd",
		Short:         "Runs history cleanup inside a daily batch window",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath(), "path to config (json or yaml)")

	root.AddCommand(
		newRunCommand(&cfgPath),
		newDueCommand(),
		newStatusCommand(&cfgPath),
		newVersionCommand(),
	)
	return root
}

func newRunCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
				defer c()
				return errors.Join(err, a.Stop(stopCtx, app.StopFatalError))
			}
			notify(daemon.SdNotifyReady)

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			notify(daemon.SdNotifyStopping)

			stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
			defer c()
			return errors.Join(a.Err(), a.Stop(stopCtx, reason))
		},
	}
}

// notify is a no-op outside systemd.
func notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logx.NewConsole("warn").Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func newDueCommand() *cobra.Command {
	var start, end, at, tz string
	cmd := &cobra.Command{
		Use:   "due",
		Short: "Print the batch window and due date for an instant",
		Example: `  cleanupd due --start 22:00 --end 23:00
  cleanupd due --start 23:00 --end 01:00 --at 2026-10-15T00:30:00+02:00 --tz Europe/Berlin`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loc, err := clock.LoadLocation(tz)
			if err != nil {
				return err
			}
			w, err := scheduler.ParseWindow(start, end)
			if err != nil {
				return err
			}
			now := time.Now().In(loc)
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = now.In(loc)
			}
			printDue(cmd.OutOrStdout(), w, now)
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "00:00", "window start (HH:mm)")
	cmd.Flags().StringVar(&end, "end", "00:00", "window end (HH:mm); equal to start means a full day")
	cmd.Flags().StringVar(&at, "at", "", "reference instant (RFC3339); default now")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone; default local")
	return cmd
}

func printDue(out io.Writer, cfg window.Config, now time.Time) {
	w := window.CurrentOrNext(cfg, now)
	due := window.ResolveDueDate(w, now)
	fmt.Fprintf(out, "now:    %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(out, "window: %s\n", w)
	fmt.Fprintf(out, "due:    %s", due.Format(time.RFC3339))
	if d := due.Sub(now); d > 0 {
		fmt.Fprintf(out, " (in %s)", d.Round(time.Second))
	} else {
		fmt.Fprint(out, " (now)")
	}
	fmt.Fprintln(out)
}

func newStatusCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted job record and recent incidents as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			s, err := cfg.Resolve()
			if err != nil {
				return err
			}
			store, err := storage.Open(s.Storage, logx.Nop())
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("storage is disabled; nothing is persisted")
			}
			defer store.Close()

			ctx := cmd.Context()
			rec, err := store.LoadJob(ctx, scheduler.DefaultJobName)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			incidents, err := store.Incidents(ctx, 10)
			if err != nil {
				return err
			}
			out := struct {
				Job       *storage.JobRecord `json:"job"`
				Incidents []storage.Incident `json:"incidents"`
			}{Incidents: incidents}
			if rec.Name != "" {
				out.Job = &rec
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cleanupd %s (commit %s)\n", version, commit)
		},
	}
}
