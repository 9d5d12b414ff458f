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

// Package meallog defines the rows of the meal log and their column
// layout, shared by every log store.
package meallog

import (
	"fmt"
	"time"

	"github.com/matta/mealmail/internal/extract"
	"github.com/matta/mealmail/internal/mealtime"
)

// TimestampLayout formats the Timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

// Header is the first row of every meal log.  The column order is
// relied upon by readers of the log; append new columns at the end.
var Header = []string{
	"Timestamp", "Food", "Portion", "Calories", "Protein (g)",
	"Carbs (g)", "Fat (g)", "Meal Type", "Source", "Confidence",
}

// Confidence is a coarse quality signal for a row.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
)

// Row is one line of the meal log.
type Row struct {
	Timestamp  string
	Food       string
	Portion    string
	Calories   float64
	ProteinG   float64
	CarbsG     float64
	FatG       float64
	MealType   mealtime.Type
	Source     string
	Confidence Confidence
}

// Values returns the row's cells in Header order.
func (r Row) Values() []interface{} {
	return []interface{}{
		r.Timestamp,
		r.Food,
		r.Portion,
		r.Calories,
		r.ProteinG,
		r.CarbsG,
		r.FatG,
		string(r.MealType),
		r.Source,
		string(r.Confidence),
	}
}

// Source describes how rows were derived given the number of images
// archived alongside the text.
func Source(images int) string {
	if images == 0 {
		return "Email"
	}
	return fmt.Sprintf("Email (%d images)", images)
}

// ConfidenceFor returns the confidence of rows backed by the given
// number of archived images.
func ConfidenceFor(images int) Confidence {
	if images > 0 {
		return Medium
	}
	return Low
}

// Rows builds one row per record.  All rows share the timestamp, meal
// type, source and confidence derived from the message.
func Rows(records []extract.Record, receivedAt time.Time, images int) []Row {
	ts := receivedAt.Format(TimestampLayout)
	meal := mealtime.Classify(receivedAt)
	source := Source(images)
	confidence := ConfidenceFor(images)

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Row{
			Timestamp:  ts,
			Food:       rec.Name,
			Portion:    rec.Portion,
			Calories:   rec.Calories,
			ProteinG:   rec.ProteinG,
			CarbsG:     rec.CarbsG,
			FatG:       rec.FatG,
			MealType:   meal,
			Source:     source,
			Confidence: confidence,
		})
	}
	return rows
}
