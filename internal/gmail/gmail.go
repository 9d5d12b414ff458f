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

// Package gmail implements the ingest mailbox on top of the GMail API.
package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/matta/mealmail/internal/message"
)

const (
	// ModifyScope allows reading messages and changing their labels.
	ModifyScope = gmail.GmailModifyScope

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsMessagesModify  = 5
	quotaUnitsPerMessagesList = 5

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	labelUnread = "UNREAD"
)

var (
	// ErrMessageNotFound is returned for listed messages that can no
	// longer be fetched.  It wraps message.ErrNotFound.
	ErrMessageNotFound = errors.Wrap(message.ErrNotFound, "gmail message not found")
)

// GmailService provides access to messages stored in Google's GMail
// system.
type GmailService struct {
	service *gmail.Service
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

func isChat(msg *gmail.Message) bool {
	return hasLabel(msg, "CHAT")
}

func hasLabel(msg *gmail.Message, want string) bool {
	for _, label := range msg.LabelIds {
		if label == want {
			return true
		}
	}
	return false
}

// New returns a GmailService for the account authorized by client.
func New(ctx context.Context, client *http.Client, log logrus.FieldLogger, opts ...option.ClientOption) (*GmailService, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create GMail service")
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &GmailService{service: s, limiter: l, log: log}, nil
}

// List calls handler for every message matching query, in the order
// GMail returns them.
func (s *GmailService) List(ctx context.Context, query string, handler func(message.ID) error) error {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return err
	}
	msgs := gmail.NewUsersMessagesService(s.service)
	req := msgs.List("me").Q(query)
	total := 0
	err := req.Pages(ctx, func(page *gmail.ListMessagesResponse) (err error) {
		total += len(page.Messages)
		s.log.Debugf("listed page of Gmail messages; count %d; total so far %d", len(page.Messages), total)
		for _, msg := range page.Messages {
			m := message.ID{PermID: msg.Id, ThreadID: msg.ThreadId}
			if err := handler(m); err != nil {
				return err
			}
		}
		if page.NextPageToken != "" {
			err = s.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
		}
		return
	})
	s.log.Debugf("done listing Gmail messages; total %d", total)
	if err != nil {
		err = errors.Wrapf(err, "unable to list messages matching %q", query)
	}
	return err
}

// retry runs do until it succeeds, fails with something other than a
// rate limit response, or ctx is done.
func (s *GmailService) retry(ctx context.Context, units int, do func() error) error {
	for {
		if err := s.limiter.WaitN(ctx, units); err != nil {
			return err
		}
		err := do()
		if err == nil {
			return nil
		}
		switch cause := errors.Cause(err).(type) {
		case *googleapi.Error:
			if cause.Code == http.StatusTooManyRequests {
				s.log.Debug("GMail rate limit hit; retrying")
				continue
			}
			if cause.Code == http.StatusNotFound {
				return ErrMessageNotFound
			}
		}
		return err
	}
}

func (s *GmailService) getMessage(ctx context.Context, call *gmail.UsersMessagesGetCall) (*gmail.Message, error) {
	var msg *gmail.Message
	err := s.retry(ctx, quotaUnitsMessagesGet, func() (err error) {
		msg, err = call.Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	if isChat(msg) {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// Get fetches and parses a complete message.
func (s *GmailService) Get(ctx context.Context, id string) (*message.Message, error) {
	msg, err := s.getMessage(ctx, gmail.NewUsersMessagesService(s.service).Get("me", id).
		Context(ctx).Format("raw"))
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(msg.Raw, "="))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding message %v from gmail", id)
	}
	m, err := Parse(raw)
	if err != nil {
		// A malformed MIME structure still yields whatever was
		// read before the error; log it and keep going.
		s.log.WithError(err).WithField("message_id", id).Warn("message only partially parsed")
	}
	m.ID = message.ID{PermID: msg.Id, ThreadID: msg.ThreadId}
	m.Unread = hasLabel(msg, labelUnread)
	if msg.InternalDate != 0 {
		m.ReceivedAt = time.UnixMilli(msg.InternalDate)
	}
	return m, nil
}

// MarkRead removes the UNREAD label from a message.
func (s *GmailService) MarkRead(ctx context.Context, id string) error {
	call := gmail.NewUsersMessagesService(s.service).Modify("me", id,
		&gmail.ModifyMessageRequest{RemoveLabelIds: []string{labelUnread}}).Context(ctx)
	err := s.retry(ctx, quotaUnitsMessagesModify, func() error {
		_, err := call.Do()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "marking message %v read", id)
	}
	return nil
}
