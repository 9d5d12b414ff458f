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

// Package extract turns free text describing meals into food records.
package extract

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultPortion is the portion reported when the text gives none.
	DefaultPortion = "1 serving"

	// FallbackName names the single record of an empty message.
	FallbackName = "Meal"

	maxNameRunes     = 100
	maxFallbackRunes = 50
)

// Record is a single food item with estimated nutrition.  All numeric
// fields are non-negative.
type Record struct {
	Name     string
	Portion  string
	Calories float64
	ProteinG float64
	CarbsG   float64
	FatG     float64
}

// Estimate is a fixed nutrition estimate applied to a food record.
type Estimate struct {
	Calories float64
	ProteinG float64
	CarbsG   float64
	FatG     float64
}

// PlaceholderEstimate is a rough per-serving guess.  It is not a
// measurement; a better Extractor should replace it rather than tune
// it.
var PlaceholderEstimate = Estimate{
	Calories: 400,
	ProteinG: 20,
	CarbsG:   40,
	FatG:     15,
}

// DefaultKeywords select the lines of a message that describe food.
var DefaultKeywords = []string{
	"ate", "eating", "had", "meal", "breakfast", "lunch", "dinner", "snack",
}

// Extractor turns a message body into food records.  Implementations
// must return at least one record for every input, including the empty
// string.
type Extractor interface {
	Extract(body string) []Record
}

// Keyword is an Extractor that emits one record per line containing a
// keyword.  Matching is case-insensitive substring containment, so
// "Kate" matches "ate".
type Keyword struct {
	Keywords []string
	Estimate Estimate
}

// NewKeyword returns the keyword extractor with the default keywords
// and the placeholder estimate.
func NewKeyword() *Keyword {
	return &Keyword{Keywords: DefaultKeywords, Estimate: PlaceholderEstimate}
}

// Extract satisfies Extractor.
func (k *Keyword) Extract(body string) []Record {
	var records []Record
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if k.matches(line) {
			records = append(records, k.record(truncate(line, maxNameRunes)))
		}
	}
	if len(records) == 0 {
		records = append(records, k.record(fallbackName(body)))
	}
	return records
}

func (k *Keyword) matches(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range k.Keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (k *Keyword) record(name string) Record {
	return Record{
		Name:     name,
		Portion:  DefaultPortion,
		Calories: k.Estimate.Calories,
		ProteinG: k.Estimate.ProteinG,
		CarbsG:   k.Estimate.CarbsG,
		FatG:     k.Estimate.FatG,
	}
}

func fallbackName(body string) string {
	if strings.TrimSpace(body) == "" {
		return FallbackName
	}
	return truncate(body, maxFallbackRunes)
}

// truncate returns the first n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
