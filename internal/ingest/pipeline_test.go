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

package ingest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matta/mealmail/internal/archive"
	"github.com/matta/mealmail/internal/meallog"
	"github.com/matta/mealmail/internal/mealtime"
	"github.com/matta/mealmail/internal/message"
)

const testQuery = "subject:FOOD is:unread"

type fakeMailbox struct {
	order    []string
	msgs     map[string]*message.Message
	listErr  error
	markErr  error
	markRead []string
}

func newFakeMailbox(msgs ...*message.Message) *fakeMailbox {
	mb := &fakeMailbox{msgs: map[string]*message.Message{}}
	for _, m := range msgs {
		mb.order = append(mb.order, m.PermID)
		mb.msgs[m.PermID] = m
	}
	return mb
}

func (mb *fakeMailbox) List(ctx context.Context, query string, handler func(message.ID) error) error {
	if mb.listErr != nil {
		return mb.listErr
	}
	// Snapshot before handing out IDs; the pipeline mutates messages
	// concurrently with listing.
	var ids []message.ID
	for _, id := range mb.order {
		if m, ok := mb.msgs[id]; ok && m.Unread {
			ids = append(ids, m.ID)
		}
	}
	for _, id := range ids {
		if err := handler(id); err != nil {
			return err
		}
	}
	return nil
}

func (mb *fakeMailbox) Get(ctx context.Context, id string) (*message.Message, error) {
	m, ok := mb.msgs[id]
	if !ok {
		return nil, errors.Wrapf(message.ErrNotFound, "getting %s", id)
	}
	cp := *m
	return &cp, nil
}

func (mb *fakeMailbox) MarkRead(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mb.markErr != nil {
		return mb.markErr
	}
	mb.markRead = append(mb.markRead, id)
	if m, ok := mb.msgs[id]; ok {
		m.Unread = false
	}
	return nil
}

type fakeLog struct {
	header     int
	rows       []meallog.Row
	headerErr  error
	failAppend map[string]bool // keyed by the first row's food name
}

func (l *fakeLog) EnsureHeader(ctx context.Context) error {
	if l.headerErr != nil {
		return l.headerErr
	}
	if l.header == 0 && len(l.rows) == 0 {
		l.header++
	}
	return nil
}

func (l *fakeLog) Append(ctx context.Context, rows []meallog.Row) error {
	if len(rows) > 0 && l.failAppend[rows[0].Food] {
		return errors.New("sheet unavailable")
	}
	l.rows = append(l.rows, rows...)
	return nil
}

type fakeLedger map[string]int

func (l fakeLedger) IsProcessed(ctx context.Context, id string) (bool, error) {
	_, ok := l[id]
	return ok, nil
}

func (l fakeLedger) MarkProcessed(ctx context.Context, id string, rows int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l[id] = rows
	return nil
}

type fakeStore struct {
	n    int
	fail map[string]bool
}

func (s *fakeStore) Put(ctx context.Context, name, mimeType string, data []byte) (archive.Ref, error) {
	if s.fail[name] {
		return archive.Ref{}, errors.Errorf("upload %s: quota exceeded", name)
	}
	s.n++
	return archive.Ref{URL: fmt.Sprintf("https://store.example/%d", s.n), Name: name}, nil
}

type fakeLease struct {
	held     bool
	released bool
}

func (l *fakeLease) Acquire(ctx context.Context) (bool, error) { return !l.held, nil }
func (l *fakeLease) Release(ctx context.Context) error        { l.released = true; return nil }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	mailbox *fakeMailbox
	log     *fakeLog
	ledger  fakeLedger
	store   *fakeStore
	p       *Pipeline
}

func newFixture(t *testing.T, msgs ...*message.Message) *fixture {
	t.Helper()
	f := &fixture{
		mailbox: newFakeMailbox(msgs...),
		log:     &fakeLog{failAppend: map[string]bool{}},
		ledger:  fakeLedger{},
		store:   &fakeStore{},
	}
	p, err := New(Config{
		Mailbox:  f.mailbox,
		Log:      f.log,
		Archiver: archive.New(f.store, quietLogger()),
		Ledger:   f.ledger,
		Query:    testQuery,
		Location: time.UTC,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	f.p = p
	return f
}

func (f *fixture) run(t *testing.T) *Report {
	t.Helper()
	report, err := f.p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	return report
}

var lunchTime = time.Date(2025, 11, 3, 12, 30, 0, 0, time.UTC)

func tagged(id, body string, atts ...message.Attachment) *message.Message {
	return &message.Message{
		ID:          message.ID{PermID: id},
		Sender:      "me@example.com",
		Subject:     "FOOD",
		ReceivedAt:  lunchTime,
		Body:        body,
		Attachments: atts,
		Unread:      true,
	}
}

func image(name string) message.Attachment {
	return message.Attachment{MimeType: "image/jpeg", Name: name, Data: []byte(name)}
}

func wantRow(food, source string, confidence meallog.Confidence) meallog.Row {
	return meallog.Row{
		Timestamp:  "2025-11-03 12:30:00",
		Food:       food,
		Portion:    "1 serving",
		Calories:   400,
		ProteinG:   20,
		CarbsG:     40,
		FatG:       15,
		MealType:   mealtime.Lunch,
		Source:     source,
		Confidence: confidence,
	}
}

func TestRunTextOnly(t *testing.T) {
	f := newFixture(t, tagged("m1", "I had a chicken sandwich for lunch\nJust chatting"))
	report := f.run(t)

	want := []meallog.Row{wantRow("I had a chicken sandwich for lunch", "Email", meallog.Low)}
	if diff := cmp.Diff(want, f.log.rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m1"}, f.mailbox.markRead); diff != "" {
		t.Errorf("marked read mismatch (-want +got):\n%s", diff)
	}
	if report.Processed != 1 || report.Rows != 1 || report.Images != 0 {
		t.Errorf("report = %v, want 1 processed, 1 row, 0 images", report)
	}
}

func TestRunWithImages(t *testing.T) {
	f := newFixture(t, tagged("m1", "I had a chicken sandwich for lunch\nJust chatting",
		image("a.jpg"),
		message.Attachment{MimeType: "text/plain", Name: "notes.txt"},
		image("b.jpg")))
	report := f.run(t)

	want := []meallog.Row{wantRow("I had a chicken sandwich for lunch", "Email (2 images)", meallog.Medium)}
	if diff := cmp.Diff(want, f.log.rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if f.store.n != 2 {
		t.Errorf("archived %d attachments, want 2", f.store.n)
	}
	if report.Images != 2 {
		t.Errorf("report.Images = %d, want 2", report.Images)
	}
}

func TestRunArchiveFailureStillLogs(t *testing.T) {
	f := newFixture(t, tagged("m1", "had soup", image("a.jpg"), image("b.jpg")))
	f.store.fail = map[string]bool{"b.jpg": true}
	report := f.run(t)

	want := []meallog.Row{wantRow("had soup", "Email (1 images)", meallog.Medium)}
	if diff := cmp.Diff(want, f.log.rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if report.Images != 1 || report.ArchiveFailures != 1 || report.Processed != 1 {
		t.Errorf("report = %v, want 1 image, 1 archive failure, 1 processed", report)
	}
	if f.mailbox.msgs["m1"].Unread {
		t.Errorf("m1 still unread after a partial archive failure")
	}
	if _, ok := f.ledger["m1"]; !ok {
		t.Errorf("m1 missing from ledger after a partial archive failure")
	}
}

func TestRunSeveralFoods(t *testing.T) {
	f := newFixture(t, tagged("m1", "had soup\nate bread\nsnack: apple"))
	f.run(t)

	want := []meallog.Row{
		wantRow("had soup", "Email", meallog.Low),
		wantRow("ate bread", "Email", meallog.Low),
		wantRow("snack: apple", "Email", meallog.Low),
	}
	if diff := cmp.Diff(want, f.log.rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestRunTwiceAppendsOnce(t *testing.T) {
	f := newFixture(t, tagged("m1", "had soup"), tagged("m2", "ate bread"))
	f.run(t)
	second := f.run(t)

	if len(f.log.rows) != 2 {
		t.Errorf("log has %d rows, want 2", len(f.log.rows))
	}
	if f.log.header != 1 {
		t.Errorf("header written %d times, want 1", f.log.header)
	}
	if second.Seen != 0 || second.Rows != 0 {
		t.Errorf("second run report = %v, want nothing seen", second)
	}
}

func TestRunHeaderOnceOnEmptyLog(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.run(t)
	}
	if f.log.header != 1 {
		t.Errorf("header written %d times, want 1", f.log.header)
	}
}

func TestRunAppendFailureIsRetried(t *testing.T) {
	f := newFixture(t, tagged("m1", "had soup"), tagged("m2", "ate bread"))
	f.log.failAppend["had soup"] = true

	report := f.run(t)
	if report.Failed != 1 || report.Processed != 1 {
		t.Errorf("first run report = %v, want 1 failed, 1 processed", report)
	}
	if !f.mailbox.msgs["m1"].Unread {
		t.Errorf("m1 marked read after a failed append")
	}
	if _, ok := f.ledger["m1"]; ok {
		t.Errorf("m1 recorded in ledger after a failed append")
	}

	delete(f.log.failAppend, "had soup")
	report = f.run(t)
	if report.Processed != 1 {
		t.Errorf("second run report = %v, want 1 processed", report)
	}

	var foods []string
	for _, r := range f.log.rows {
		foods = append(foods, r.Food)
	}
	if diff := cmp.Diff([]string{"ate bread", "had soup"}, foods); diff != "" {
		t.Errorf("logged foods mismatch (-want +got):\n%s", diff)
	}
}

func TestRunMarkReadFailureDoesNotDuplicate(t *testing.T) {
	f := newFixture(t, tagged("m1", "had soup"))
	f.mailbox.markErr = errors.New("mailbox busy")

	report := f.run(t)
	if report.Processed != 1 || report.Failed != 0 {
		t.Errorf("first run report = %v, want 1 processed", report)
	}

	f.mailbox.markErr = nil
	report = f.run(t)
	if report.AlreadyLogged != 1 || report.Rows != 0 {
		t.Errorf("second run report = %v, want 1 already logged, 0 rows", report)
	}
	if len(f.log.rows) != 1 {
		t.Errorf("log has %d rows, want 1", len(f.log.rows))
	}
	if f.mailbox.msgs["m1"].Unread {
		t.Errorf("m1 still unread after the second run")
	}
}

func TestRunSkipsReadAndMissingMessages(t *testing.T) {
	read := tagged("m1", "had soup")
	f := newFixture(t, read, tagged("m2", "ate bread"))
	// Listed while unread, then read by someone else before the fetch.
	f.mailbox.order = append(f.mailbox.order, "gone")
	f.mailbox.msgs["gone"] = &message.Message{ID: message.ID{PermID: "gone"}, Unread: true}

	lister := &racingLister{fakeMailbox: f.mailbox, readOnGet: "m1", deleteOnGet: "gone"}
	p, err := New(Config{Mailbox: lister, Log: f.log, Query: testQuery, Location: time.UTC, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if report.Seen != 3 || report.Skipped != 2 || report.Processed != 1 {
		t.Errorf("report = %v, want 3 seen, 2 skipped, 1 processed", report)
	}
}

// racingLister mutates the mailbox between listing and fetching.
type racingLister struct {
	*fakeMailbox
	readOnGet   string
	deleteOnGet string
}

func (r *racingLister) Get(ctx context.Context, id string) (*message.Message, error) {
	switch id {
	case r.readOnGet:
		r.msgs[id].Unread = false
	case r.deleteOnGet:
		delete(r.msgs, id)
	}
	return r.fakeMailbox.Get(ctx, id)
}

func TestRunListFailureAborts(t *testing.T) {
	f := newFixture(t, tagged("m1", "had soup"))
	f.mailbox.listErr = errors.New("connection refused")
	if _, err := f.p.Run(context.Background()); err == nil {
		t.Errorf("Run() = nil, want an error")
	}
}

// signalLog closes appended once the first Append has committed.
type signalLog struct {
	*fakeLog
	once     sync.Once
	appended chan struct{}
}

func (l *signalLog) Append(ctx context.Context, rows []meallog.Row) error {
	err := l.fakeLog.Append(ctx, rows)
	l.once.Do(func() { close(l.appended) })
	return err
}

// brokenLister hands out the first message, then fails the next page
// once that message's rows are in the log.
type brokenLister struct {
	*fakeMailbox
	after <-chan struct{}
}

func (b *brokenLister) List(ctx context.Context, query string, handler func(message.ID) error) error {
	if err := handler(message.ID{PermID: b.order[0]}); err != nil {
		return err
	}
	<-b.after
	return errors.New("page 2: connection reset")
}

func TestRunListFailureAfterAppendKeepsBookkeeping(t *testing.T) {
	f := newFixture(t, tagged("m1", "had soup"), tagged("m2", "ate bread"))
	log := &signalLog{fakeLog: f.log, appended: make(chan struct{})}
	p, err := New(Config{
		Mailbox:  &brokenLister{fakeMailbox: f.mailbox, after: log.appended},
		Log:      log,
		Ledger:   f.ledger,
		Query:    testQuery,
		Location: time.UTC,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	if _, err := p.Run(context.Background()); err == nil {
		t.Fatalf("Run() = nil, want a listing error")
	}

	if len(f.log.rows) != 1 {
		t.Errorf("log has %d rows, want 1", len(f.log.rows))
	}
	if _, ok := f.ledger["m1"]; !ok {
		t.Errorf("m1 missing from ledger after the listing failed")
	}
	if f.mailbox.msgs["m1"].Unread {
		t.Errorf("m1 still unread after the listing failed")
	}

	f.run(t)
	var foods []string
	for _, r := range f.log.rows {
		foods = append(foods, r.Food)
	}
	if diff := cmp.Diff([]string{"had soup", "ate bread"}, foods); diff != "" {
		t.Errorf("logged foods mismatch (-want +got):\n%s", diff)
	}
}

func TestRunHeaderFailureAborts(t *testing.T) {
	f := newFixture(t, tagged("m1", "had soup"))
	f.log.headerErr = errors.New("spreadsheet not found")
	if _, err := f.p.Run(context.Background()); err == nil {
		t.Errorf("Run() = nil, want an error")
	}
	if len(f.mailbox.markRead) != 0 {
		t.Errorf("messages marked read after an aborted run: %v", f.mailbox.markRead)
	}
}

func TestRunLeaseHeld(t *testing.T) {
	f := newFixture(t, tagged("m1", "had soup"))
	f.p.lease = &fakeLease{held: true}
	if _, err := f.p.Run(context.Background()); errors.Cause(err) != ErrLeaseHeld {
		t.Errorf("Run() = %v, want %v", err, ErrLeaseHeld)
	}
	if len(f.log.rows) != 0 {
		t.Errorf("log has %d rows, want 0", len(f.log.rows))
	}
}

func TestRunReleasesLease(t *testing.T) {
	f := newFixture(t, tagged("m1", "had soup"))
	lease := &fakeLease{}
	f.p.lease = lease
	f.run(t)
	if !lease.released {
		t.Errorf("lease not released after the run")
	}
}

func TestRunUsesLocation(t *testing.T) {
	f := newFixture(t, tagged("m1", "had soup"))
	f.p.loc = time.FixedZone("UTC+6", 6*60*60)
	f.run(t)
	if got := f.log.rows[0]; got.Timestamp != "2025-11-03 18:30:00" || got.MealType != mealtime.Dinner {
		t.Errorf("row = %+v, want 18:30 dinner", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	cases := []Config{
		{Log: &fakeLog{}, Query: testQuery},
		{Mailbox: newFakeMailbox(), Query: testQuery},
		{Mailbox: newFakeMailbox(), Log: &fakeLog{}},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Errorf("case %d: New() = nil error, want an error", i)
		}
	}
}
