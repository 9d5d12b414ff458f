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

// Package archive persists message attachments to an object store.
package archive

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matta/mealmail/internal/message"
)

// Ref cites an archived attachment.
type Ref struct {
	URL  string
	Name string
}

// ObjectStore persists a blob and returns a stable reference to it.
// Every call creates a new object; identical content is not
// deduplicated.
type ObjectStore interface {
	Put(ctx context.Context, name, mimeType string, data []byte) (Ref, error)
}

// Archiver archives image attachments.
type Archiver struct {
	store ObjectStore
	log   logrus.FieldLogger
}

// New returns an Archiver writing to store.
func New(store ObjectStore, log logrus.FieldLogger) *Archiver {
	return &Archiver{store: store, log: log}
}

// Archive stores a single attachment under its suggested name.
func (a *Archiver) Archive(ctx context.Context, att message.Attachment) (Ref, error) {
	ref, err := a.store.Put(ctx, att.Name, att.MimeType, att.Data)
	if err != nil {
		return Ref{}, errors.Wrapf(err, "archiving attachment %q", att.Name)
	}
	return ref, nil
}

// ArchiveImages archives every image attachment in atts.  An attachment
// that cannot be stored is skipped; the count of such failures is
// returned alongside the refs of the ones that were stored.
func (a *Archiver) ArchiveImages(ctx context.Context, atts []message.Attachment) (refs []Ref, failed int) {
	for _, att := range atts {
		if !att.IsImage() {
			continue
		}
		ref, err := a.Archive(ctx, att)
		if err != nil {
			a.log.WithError(err).WithField("attachment", att.Name).Warn("skipping attachment")
			failed++
			continue
		}
		a.log.WithFields(logrus.Fields{
			"attachment": ref.Name,
			"url":        ref.URL,
		}).Debug("archived attachment")
		refs = append(refs, ref)
	}
	return refs, failed
}
