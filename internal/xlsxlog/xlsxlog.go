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

// Package xlsxlog keeps the meal log in a local .xlsx workbook.
package xlsxlog

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/matta/mealmail/internal/meallog"
)

const defaultSheet = "Sheet1"

// Workbook is a meal log kept in one sheet of an .xlsx file.  The file
// is rewritten whole on every change; a failed write leaves the
// previous contents in place.
type Workbook struct {
	path  string
	sheet string
	log   logrus.FieldLogger

	mu sync.Mutex
}

// New returns a Workbook for the named sheet of the file at path.  The
// file is created on the first write if it does not exist.
func New(path, sheet string, log logrus.FieldLogger) *Workbook {
	return &Workbook{path: path, sheet: sheet, log: log}
}

func (w *Workbook) open() (*excelize.File, error) {
	f, err := excelize.OpenFile(w.path)
	if os.IsNotExist(errors.Cause(err)) {
		f = excelize.NewFile()
		if err := f.SetSheetName(defaultSheet, w.sheet); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "naming sheet %q", w.sheet)
		}
		return f, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", w.path)
	}
	idx, err := f.GetSheetIndex(w.sheet)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "looking up sheet %q", w.sheet)
	}
	if idx == -1 {
		w.log.WithField("sheet", w.sheet).Info("creating meal log sheet")
		if _, err := f.NewSheet(w.sheet); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "creating sheet %q", w.sheet)
		}
	}
	return f, nil
}

// save writes f next to the destination and renames it into place.
func (w *Workbook) save(f *excelize.File) error {
	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".mealmail-*.xlsx")
	if err != nil {
		return errors.Wrap(err, "creating temporary workbook")
	}
	defer os.Remove(tmp.Name())
	if err := f.Write(tmp); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing workbook")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "writing workbook")
	}
	return errors.Wrapf(os.Rename(tmp.Name(), w.path), "replacing %s", w.path)
}

// EnsureHeader writes the header row if the sheet holds no rows.
func (w *Workbook) EnsureHeader(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.open()
	if err != nil {
		return err
	}
	defer f.Close()
	rows, err := f.GetRows(w.sheet)
	if err != nil {
		return errors.Wrapf(err, "reading sheet %q", w.sheet)
	}
	if len(rows) > 0 {
		return nil
	}
	header := make([]interface{}, len(meallog.Header))
	for i, h := range meallog.Header {
		header[i] = h
	}
	if err := f.SetSheetRow(w.sheet, "A1", &header); err != nil {
		return errors.Wrap(err, "writing header")
	}
	w.log.WithField("path", w.path).Info("writing meal log header")
	return w.save(f)
}

// Append adds rows below the last used row of the sheet.  Either all
// rows are written or the file is left unchanged.
func (w *Workbook) Append(ctx context.Context, rows []meallog.Row) error {
	if len(rows) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.open()
	if err != nil {
		return err
	}
	defer f.Close()
	existing, err := f.GetRows(w.sheet)
	if err != nil {
		return errors.Wrapf(err, "reading sheet %q", w.sheet)
	}
	next := len(existing) + 1
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, next+i)
		if err != nil {
			return errors.Wrap(err, "computing cell")
		}
		values := r.Values()
		if err := f.SetSheetRow(w.sheet, cell, &values); err != nil {
			return errors.Wrapf(err, "writing row %d", next+i)
		}
	}
	if err := w.save(f); err != nil {
		return err
	}
	w.log.WithField("rows", len(rows)).Debug("appended rows")
	return nil
}
