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
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/matta/mealmail/internal/archive"
	"github.com/matta/mealmail/internal/config"
	"github.com/matta/mealmail/internal/drive"
	"github.com/matta/mealmail/internal/gmail"
	"github.com/matta/mealmail/internal/gmailhttp"
	"github.com/matta/mealmail/internal/ingest"
	"github.com/matta/mealmail/internal/lease"
	"github.com/matta/mealmail/internal/metrics"
	"github.com/matta/mealmail/internal/persist"
	"github.com/matta/mealmail/internal/s3storage"
	"github.com/matta/mealmail/internal/sheets"
	"github.com/matta/mealmail/internal/tracehttp"
	"github.com/matta/mealmail/internal/xlsxlog"
)

const leaseKey = "mealmail:run"

// app holds everything a command needs, built from the settings.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	db       *persist.DB
	pipeline *ingest.Pipeline
	metrics  *metrics.Metrics
	closers  []func() error
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log_level")
	}
	// Request traces are logged at debug level.
	if flagTrace && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// scopes returns the OAuth scopes the configured backends need.
func scopes(cfg *config.Config) []string {
	s := []string{gmail.ModifyScope}
	if cfg.LogBackend == config.BackendSheets {
		s = append(s, sheets.Scope)
	}
	if cfg.StorageBackend == config.StorageDrive {
		s = append(s, drive.Scope)
	}
	return s
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to load settings")
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func transport(log logrus.FieldLogger) http.RoundTripper {
	if flagTrace {
		return tracehttp.Wrap(http.DefaultTransport, log)
	}
	return nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg, log := a.cfg, a.log
	base := transport(log)

	oauth, err := gmailhttp.Config(cfg.CredentialsPath, scopes(cfg)...)
	if err != nil {
		return errors.Wrap(err, "unable to load OAuth client credentials")
	}
	client, err := gmailhttp.New(ctx, oauth, cfg.TokenPath, base)
	if err != nil {
		return errors.Wrap(err, "unable to initialize Google HTTP client")
	}

	mailbox, err := gmail.New(ctx, client, log)
	if err != nil {
		return errors.Wrap(err, "unable to initialize GMail")
	}

	var store ingest.LogStore
	switch cfg.LogBackend {
	case config.BackendSheets:
		store, err = sheets.New(ctx, client, cfg.LogDestination, cfg.SheetName, log)
		if err != nil {
			return errors.Wrap(err, "unable to initialize Sheets")
		}
	case config.BackendXLSX:
		store = xlsxlog.New(cfg.LogDestination, cfg.SheetName, log)
	}

	var archiver ingest.ImageArchiver
	switch cfg.StorageBackend {
	case config.StorageDrive:
		d, err := drive.New(ctx, client, cfg.DriveFolderID, log)
		if err != nil {
			return errors.Wrap(err, "unable to initialize Drive")
		}
		archiver = archive.New(d, log)
	case config.StorageS3:
		s, err := s3storage.New(s3storage.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
			Transport: base,
		}, log)
		if err != nil {
			return errors.Wrap(err, "unable to initialize S3 storage")
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return err
		}
		archiver = archive.New(s, log)
	}

	a.db, err = persist.Open(ctx, cfg.LedgerPath, log)
	if err != nil {
		return errors.Wrap(err, "unable to initialize database")
	}
	a.closers = append(a.closers, a.db.Close)

	var locker ingest.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)
		locker = lease.New(rdb, leaseKey, cfg.LeaseTTL)
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	a.pipeline, err = ingest.New(ingest.Config{
		Mailbox:  mailbox,
		Log:      store,
		Archiver: archiver,
		Ledger:   a.db,
		Lease:    locker,
		Query:    cfg.Query(),
		Location: loc,
		Logger:   log,
	})
	return err
}

// runOnce performs one pipeline run and records its outcome.
func (a *app) runOnce(ctx context.Context) (*ingest.Report, error) {
	start := time.Now()
	report, err := a.pipeline.Run(ctx)
	a.metrics.Observe(report, time.Since(start), err)
	if errors.Cause(err) == ingest.ErrLeaseHeld {
		a.log.Warn("another mealmail run holds the lease; skipping")
		return report, err
	}

	run := persist.Run{
		ID:         report.RunID,
		FinishedAt: time.Now(),
		Seen:       report.Seen,
		Processed:  report.Processed,
		Failed:     report.Failed,
		Rows:       report.Rows,
	}
	if err != nil {
		run.Err = err.Error()
	}
	if rerr := a.db.RecordRun(ctx, run); rerr != nil {
		a.log.WithError(rerr).Warn("unable to record run")
	}
	return report, err
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
}
