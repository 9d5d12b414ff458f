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

package xlsxlog

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/matta/mealmail/internal/meallog"
	"github.com/matta/mealmail/internal/mealtime"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func soup() meallog.Row {
	return meallog.Row{
		Timestamp: "2025-11-03 12:30:00", Food: "had soup", Portion: "1 serving",
		Calories: 400, ProteinG: 20, CarbsG: 40, FatG: 15,
		MealType: mealtime.Lunch, Source: "Email (1 images)", Confidence: meallog.Medium,
	}
}

// readRows returns every row of the log sheet, header included.
func readRows(t *testing.T, w *Workbook) [][]string {
	t.Helper()
	f, err := excelize.OpenFile(w.path)
	if err != nil {
		t.Fatalf("OpenFile(%s) = %v, want nil", w.path, err)
	}
	defer f.Close()
	rows, err := f.GetRows(w.sheet)
	if err != nil {
		t.Fatalf("GetRows(%q) = %v, want nil", w.sheet, err)
	}
	return rows
}

func TestEnsureHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meals.xlsx")
	w := New(path, "Meals", quietLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := w.EnsureHeader(ctx); err != nil {
			t.Fatalf("EnsureHeader() = %v, want nil", err)
		}
	}
	rows := readRows(t, w)
	if diff := cmp.Diff([][]string{meallog.Header}, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meals.xlsx")
	w := New(path, "Meals", quietLogger())
	ctx := context.Background()

	if err := w.EnsureHeader(ctx); err != nil {
		t.Fatalf("EnsureHeader() = %v, want nil", err)
	}
	for i := 0; i < 2; i++ {
		if err := w.Append(ctx, []meallog.Row{soup()}); err != nil {
			t.Fatalf("Append() = %v, want nil", err)
		}
	}
	rows := readRows(t, w)
	want := []string{"2025-11-03 12:30:00", "had soup", "1 serving", "400", "20", "40", "15",
		"lunch", "Email (1 images)", "medium"}
	if diff := cmp.Diff([][]string{meallog.Header, want, want}, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestAddsSheetToExistingWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.xlsx")
	f := excelize.NewFile()
	if err := f.SetCellValue("Sheet1", "A1", "keep me"); err != nil {
		t.Fatal(err)
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	f.Close()

	w := New(path, "Meals", quietLogger())
	if err := w.EnsureHeader(context.Background()); err != nil {
		t.Fatalf("EnsureHeader() = %v, want nil", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if diff := cmp.Diff([]string{"Sheet1", "Meals"}, f.GetSheetList()); diff != "" {
		t.Errorf("sheets mismatch (-want +got):\n%s", diff)
	}
	if got, _ := f.GetCellValue("Sheet1", "A1"); got != "keep me" {
		t.Errorf("Sheet1!A1 = %q, want %q", got, "keep me")
	}
}

func TestAppendFailureLeavesNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "meals.xlsx")
	w := New(path, "Meals", quietLogger())
	if err := w.Append(context.Background(), []meallog.Row{soup()}); err == nil {
		t.Errorf("Append() = nil, want an error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Stat(%s) = %v, want not exist", path, err)
	}
}
