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

// This file declares the collaborators the pipeline depends on.

import (
	"context"

	"github.com/matta/mealmail/internal/archive"
	"github.com/matta/mealmail/internal/meallog"
	"github.com/matta/mealmail/internal/message"
)

// MessageLister lists the identifiers of messages matching a mailbox
// query.
type MessageLister interface {
	List(ctx context.Context, query string, handler func(message.ID) error) error
}

// MessageGetter fetches a complete message.  Messages that no longer
// exist are reported with message.ErrNotFound.
type MessageGetter interface {
	Get(ctx context.Context, id string) (*message.Message, error)
}

// MessageMarker marks a message read.  Marking an already read message
// is not an error.
type MessageMarker interface {
	MarkRead(ctx context.Context, id string) error
}

// Mailbox provides all actions the pipeline takes on a mailbox.
type Mailbox interface {
	MessageLister
	MessageGetter
	MessageMarker
}

// LogStore is an append-only meal log.
type LogStore interface {
	// EnsureHeader writes the header row if the log is empty.
	EnsureHeader(ctx context.Context) error

	// Append adds rows to the end of the log.  Either all rows are
	// written or none are.
	Append(ctx context.Context, rows []meallog.Row) error
}

// ImageArchiver persists the image attachments of a message.
type ImageArchiver interface {
	ArchiveImages(ctx context.Context, atts []message.Attachment) (refs []archive.Ref, failed int)
}

// Ledger tracks which messages already have their rows in the log.
type Ledger interface {
	IsProcessed(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string, rows int) error
}

// Locker guards against overlapping runs.
type Locker interface {
	// Acquire returns false when another owner holds the lock.
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type nopLedger struct{}

func (nopLedger) IsProcessed(context.Context, string) (bool, error) { return false, nil }
func (nopLedger) MarkProcessed(context.Context, string, int) error  { return nil }

type nopArchiver struct{}

func (nopArchiver) ArchiveImages(context.Context, []message.Attachment) ([]archive.Ref, int) {
	return nil, 0
}
