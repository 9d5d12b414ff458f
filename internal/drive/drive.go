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

// Package drive archives attachments as Google Drive files.
package drive

import (
	"bytes"
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/matta/mealmail/internal/archive"
)

const (
	// Scope allows creating files and reading the files created.
	Scope = drive.DriveFileScope

	rateLimit      = rate.Limit(10)
	rateLimitBurst = 10
)

// Store creates one Drive file per Put, optionally inside a folder.
type Store struct {
	service  *drive.Service
	limiter  *rate.Limiter
	folderID string
	log      logrus.FieldLogger
}

// New returns a Store.  An empty folderID places files in the root of
// the user's Drive.
func New(ctx context.Context, client *http.Client, folderID string, log logrus.FieldLogger, opts ...option.ClientOption) (*Store, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create Drive service")
	}
	return &Store{
		service:  s,
		limiter:  rate.NewLimiter(rateLimit, rateLimitBurst),
		folderID: folderID,
		log:      log,
	}, nil
}

// Put uploads data as a new file.  The returned URL is the file's
// web view link.
func (s *Store) Put(ctx context.Context, name, mimeType string, data []byte) (archive.Ref, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return archive.Ref{}, err
	}
	f := &drive.File{Name: name, MimeType: mimeType}
	if s.folderID != "" {
		f.Parents = []string{s.folderID}
	}
	created, err := s.service.Files.Create(f).
		Media(bytes.NewReader(data), googleapi.ContentType(mimeType)).
		Fields("id", "name", "webViewLink").
		Context(ctx).Do()
	if err != nil {
		return archive.Ref{}, errors.Wrapf(err, "uploading %q", name)
	}
	s.log.WithFields(logrus.Fields{
		"file_id": created.Id,
		"bytes":   len(data),
	}).Debug("created drive file")
	return archive.Ref{URL: created.WebViewLink, Name: created.Name}, nil
}
