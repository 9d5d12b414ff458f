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

// Package ingest reads tagged messages from a mailbox and appends the
// meals they describe to the meal log.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/matta/mealmail/internal/extract"
	"github.com/matta/mealmail/internal/meallog"
	"github.com/matta/mealmail/internal/message"
)

var (
	// ErrLeaseHeld is returned by Run when another run is in flight.
	ErrLeaseHeld = errors.New("another run holds the lease")
)

// Config holds the collaborators of a Pipeline.  Mailbox and Log are
// required.
type Config struct {
	Mailbox   Mailbox
	Log       LogStore
	Archiver  ImageArchiver
	Extractor extract.Extractor
	Ledger    Ledger
	Lease     Locker

	// The mailbox query selecting candidate messages.
	Query string

	// Zone used for the Timestamp column and meal classification.
	Location *time.Location

	Logger logrus.FieldLogger
}

// Pipeline processes tagged messages one at a time.  Runs must not
// overlap unless a Lease is configured.
type Pipeline struct {
	mailbox   Mailbox
	log       LogStore
	archiver  ImageArchiver
	extractor extract.Extractor
	ledger    Ledger
	lease     Locker
	query     string
	loc       *time.Location
	logger    logrus.FieldLogger
}

// Report summarizes a run.
type Report struct {
	RunID string

	// Messages listed by the mailbox.
	Seen int
	// Messages whose rows were appended during this run.
	Processed int
	// Messages whose rows were appended by an earlier run; only
	// marked read.
	AlreadyLogged int
	// Messages that were read or gone when fetched.
	Skipped int
	// Messages left for the next run because of an error.
	Failed int

	Rows            int
	Images          int
	ArchiveFailures int
}

func (r *Report) String() string {
	return fmt.Sprintf("run %s: seen %d, processed %d, already logged %d, skipped %d, failed %d; "+
		"%d rows, %d images, %d archive failures",
		r.RunID, r.Seen, r.Processed, r.AlreadyLogged, r.Skipped, r.Failed,
		r.Rows, r.Images, r.ArchiveFailures)
}

// New returns a Pipeline.  Optional collaborators left nil get
// defaults: the keyword extractor, no archiving, no ledger, no lease,
// the local time zone and the standard logger.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Mailbox == nil {
		return nil, errors.New("ingest: no mailbox configured")
	}
	if cfg.Log == nil {
		return nil, errors.New("ingest: no log store configured")
	}
	if cfg.Query == "" {
		return nil, errors.New("ingest: empty mailbox query")
	}
	p := &Pipeline{
		mailbox:   cfg.Mailbox,
		log:       cfg.Log,
		archiver:  cfg.Archiver,
		extractor: cfg.Extractor,
		ledger:    cfg.Ledger,
		lease:     cfg.Lease,
		query:     cfg.Query,
		loc:       cfg.Location,
		logger:    cfg.Logger,
	}
	if p.archiver == nil {
		p.archiver = nopArchiver{}
	}
	if p.extractor == nil {
		p.extractor = extract.NewKeyword()
	}
	if p.ledger == nil {
		p.ledger = nopLedger{}
	}
	if p.loc == nil {
		p.loc = time.Local
	}
	if p.logger == nil {
		p.logger = logrus.StandardLogger()
	}
	return p, nil
}

// Run processes every unread message matching the query.  Failures on
// individual messages are logged and counted in the report; the error
// is non-nil only when the mailbox or the log could not be used at all.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	log := p.logger.WithField("run_id", report.RunID)

	if p.lease != nil {
		ok, err := p.lease.Acquire(ctx)
		if err != nil {
			return report, errors.Wrap(err, "unable to acquire run lease")
		}
		if !ok {
			return report, ErrLeaseHeld
		}
		defer func() {
			if err := p.lease.Release(ctx); err != nil {
				log.WithError(err).Warn("unable to release run lease")
			}
		}()
	}

	if err := p.log.EnsureHeader(ctx); err != nil {
		return report, errors.Wrap(err, "unable to initialize meal log")
	}

	log.WithField("query", p.query).Debug("listing messages")
	grp, gctx := errgroup.WithContext(ctx)
	ids := make(chan message.ID, 100)
	grp.Go(func() error {
		defer close(ids)
		err := p.mailbox.List(gctx, p.query, func(id message.ID) error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ids <- id:
				return nil
			}
		})
		return errors.Wrap(err, "unable to list messages")
	})
	grp.Go(func() error {
		for id := range ids {
			p.handle(gctx, log, id, report)
		}
		return nil
	})
	if err := grp.Wait(); err != nil {
		return report, err
	}

	log.Info(report.String())
	return report, nil
}

func (p *Pipeline) handle(ctx context.Context, log logrus.FieldLogger, id message.ID, report *Report) {
	report.Seen++
	log = log.WithField("message_id", id.PermID)
	if err := p.process(ctx, log, id, report); err != nil {
		report.Failed++
		log.WithError(err).Error("message left for the next run")
	}
}

func (p *Pipeline) process(ctx context.Context, log logrus.FieldLogger, id message.ID, report *Report) error {
	done, err := p.ledger.IsProcessed(ctx, id.PermID)
	if err != nil {
		return errors.Wrap(err, "unable to consult ledger")
	}
	if done {
		// The rows are in the log; only the read flag is stale.
		report.AlreadyLogged++
		return errors.Wrap(p.mailbox.MarkRead(ctx, id.PermID), "unable to mark message read")
	}

	msg, err := p.mailbox.Get(ctx, id.PermID)
	if err != nil {
		if errors.Cause(err) == message.ErrNotFound {
			report.Skipped++
			return nil
		}
		return errors.Wrap(err, "unable to fetch message")
	}
	if !msg.Unread {
		report.Skipped++
		return nil
	}

	refs, failed := p.archiver.ArchiveImages(ctx, msg.Attachments)
	report.Images += len(refs)
	report.ArchiveFailures += failed

	records := p.extractor.Extract(msg.Body)
	rows := meallog.Rows(records, msg.ReceivedAt.In(p.loc), len(refs))
	if err := p.log.Append(ctx, rows); err != nil {
		if len(refs) > 0 {
			log.WithField("orphans", refs).Warn("archived attachments have no log rows")
		}
		return errors.Wrapf(err, "unable to append %d rows", len(rows))
	}
	report.Processed++
	report.Rows += len(rows)

	// The rows are committed. Record them even if the run is being torn
	// down, or the next run appends them again.
	committed := context.WithoutCancel(ctx)
	if err := p.ledger.MarkProcessed(committed, id.PermID, len(rows)); err != nil {
		log.WithError(err).Warn("unable to record message in ledger")
	}
	if err := p.mailbox.MarkRead(committed, id.PermID); err != nil {
		log.WithError(err).Warn("unable to mark message read")
	}

	log.WithFields(logrus.Fields{
		"sender": msg.Sender,
		"foods":  len(records),
		"images": len(refs),
	}).Infof("processed message from %s with %d food items", msg.Sender, len(records))
	return nil
}
