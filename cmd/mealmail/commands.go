// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/matta/mealmail/internal/gmailhttp"
	"github.com/matta/mealmail/internal/ingest"
	"github.com/matta/mealmail/internal/persist"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the mailbox once and print a report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.runOnce(ctx)
		if errors.Cause(err) == ingest.ErrLeaseHeld {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "unable to process mailbox")
		}
		fmt.Fprintln(cmd.OutOrStdout(), report)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Process the mailbox every poll interval until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.serve(ctx)
	},
}

func (a *app) serve(ctx context.Context) error {
	loc, err := a.cfg.Location()
	if err != nil {
		return err
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return errors.Wrap(err, "unable to create scheduler")
	}
	_, err = s.NewJob(
		gocron.DurationJob(a.cfg.PollInterval()),
		gocron.NewTask(func() {
			if _, err := a.runOnce(ctx); err != nil && errors.Cause(err) != ingest.ErrLeaseHeld {
				a.log.WithError(err).Error("run failed")
			}
		}),
		gocron.WithName("ingest"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return errors.Wrap(err, "unable to schedule ingestion")
	}

	var srv *http.Server
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			a.log.WithField("addr", srv.Addr).Info("serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	a.log.WithField("interval", a.cfg.PollInterval()).Info("scheduler started")
	s.Start()
	<-ctx.Done()
	a.log.Info("shutting down")

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			a.log.WithError(err).Warn("metrics server shutdown failed")
		}
	}
	return errors.Wrap(s.Shutdown(), "scheduler shutdown failed")
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize mealmail and save the OAuth token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		oauth, err := gmailhttp.Config(cfg.CredentialsPath, scopes(cfg)...)
		if err != nil {
			return errors.Wrap(err, "unable to load OAuth client credentials")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.TokenPath), 0700); err != nil {
			return errors.Wrap(err, "unable to create token directory")
		}
		if err := gmailhttp.Consent(cmd.Context(), oauth, cfg.TokenPath, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", cfg.TokenPath)
		return nil
	},
}

var historyCount int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the most recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := persist.Open(ctx, cfg.LedgerPath, log)
		if err != nil {
			return errors.Wrap(err, "unable to initialize database")
		}
		defer db.Close()

		runs, err := db.LatestRuns(ctx, historyCount)
		if err != nil {
			return err
		}
		return printRuns(cmd.OutOrStdout(), runs)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyCount, "count", "n", 10, "number of runs to show")
}

func printRuns(w io.Writer, runs []persist.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tRUN\tSEEN\tPROCESSED\tFAILED\tROWS\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.FinishedAt.Format(time.RFC3339), r.ID, r.Seen, r.Processed, r.Failed, r.Rows, r.Err)
	}
	return tw.Flush()
}
