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

// Package sheets keeps the meal log in a Google Sheets tab.
package sheets

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"

	"github.com/matta/mealmail/internal/meallog"
)

const (
	// Scope allows reading and writing spreadsheets.
	Scope = sheets.SpreadsheetsScope

	// See https://developers.google.com/sheets/api/limits: 60
	// requests per minute per user.
	rateLimit      = rate.Limit(1)
	rateLimitBurst = 5

	// Cells are stored as given.  Email text starting with "=" must
	// not turn into a formula.
	valueInputOption = "RAW"
)

// Log is a meal log kept in one tab of a spreadsheet.
type Log struct {
	service       *sheets.Service
	limiter       *rate.Limiter
	spreadsheetID string
	sheet         string
	log           logrus.FieldLogger
}

// New returns a Log writing to the named tab of the spreadsheet.
func New(ctx context.Context, client *http.Client, spreadsheetID, sheet string, log logrus.FieldLogger, opts ...option.ClientOption) (*Log, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create Sheets service")
	}
	return &Log{
		service:       s,
		limiter:       rate.NewLimiter(rateLimit, rateLimitBurst),
		spreadsheetID: spreadsheetID,
		sheet:         sheet,
		log:           log,
	}, nil
}

// quote returns the tab name in A1 notation.
func quote(sheet string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
}

func (l *Log) wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// EnsureHeader creates the tab if needed and writes the header row if
// the tab holds no values.
func (l *Log) EnsureHeader(ctx context.Context) error {
	if err := l.ensureSheet(ctx); err != nil {
		return err
	}
	if err := l.wait(ctx); err != nil {
		return err
	}
	resp, err := l.service.Spreadsheets.Values.Get(l.spreadsheetID, quote(l.sheet)+"!A:A").Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "reading tab %q of spreadsheet %s", l.sheet, l.spreadsheetID)
	}
	if len(resp.Values) > 0 {
		return nil
	}
	header := make([]interface{}, len(meallog.Header))
	for i, h := range meallog.Header {
		header[i] = h
	}
	l.log.WithField("sheet", l.sheet).Info("writing meal log header")
	return errors.Wrap(l.append(ctx, [][]interface{}{header}), "writing header")
}

func (l *Log) ensureSheet(ctx context.Context) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	ss, err := l.service.Spreadsheets.Get(l.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "reading spreadsheet %s", l.spreadsheetID)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == l.sheet {
			return nil
		}
	}

	l.log.WithField("sheet", l.sheet).Info("creating meal log tab")
	if err := l.wait(ctx); err != nil {
		return err
	}
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{Title: l.sheet},
			},
		}},
	}
	if _, err := l.service.Spreadsheets.BatchUpdate(l.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return errors.Wrapf(err, "creating tab %q", l.sheet)
	}
	return nil
}

// Append adds rows below the last row of the tab in a single request.
func (l *Log) Append(ctx context.Context, rows []meallog.Row) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([][]interface{}, len(rows))
	for i, r := range rows {
		values[i] = r.Values()
	}
	return l.append(ctx, values)
}

func (l *Log) append(ctx context.Context, values [][]interface{}) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	_, err := l.service.Spreadsheets.Values.Append(l.spreadsheetID, quote(l.sheet)+"!A1",
		&sheets.ValueRange{Values: values}).
		ValueInputOption(valueInputOption).
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "appending %d rows to %s", len(values), l.spreadsheetID)
	}
	l.log.WithFields(logrus.Fields{
		"rows":    len(values),
		"elapsed": time.Since(start),
	}).Debug("appended rows")
	return nil
}
