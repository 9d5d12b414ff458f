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

// Package mealtime classifies the time a meal was reported.
package mealtime

import "time"

// Type labels a meal by the time of day it was eaten.
type Type string

const (
	Breakfast Type = "breakfast"
	Lunch     Type = "lunch"
	Snack     Type = "snack"
	Dinner    Type = "dinner"
)

// Classify returns the meal type for the hour of t in t's own
// location.  Callers convert t to the zone of interest first.
func Classify(t time.Time) Type {
	switch h := t.Hour(); {
	case h < 10:
		return Breakfast
	case h < 14:
		return Lunch
	case h < 17:
		return Snack
	default:
		return Dinner
	}
}
