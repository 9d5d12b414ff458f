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

package message

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// This file provides the common data objects used by the rest of the
// program.

// ID defines the properties that uniquely identify a message.
type ID struct {
	// The permanent and unique ID of a message in a mailbox.
	PermID string

	// The permanent and unique ID of a thread associated with the
	// message.  May be empty in mailboxes that do not support this
	// concept.
	ThreadID string
}

// Attachment is a single MIME part carried by a message that is not
// its plain text body.
type Attachment struct {
	// The media type, e.g. "image/jpeg".  Parameters are stripped.
	MimeType string

	// The decoded content of the part.
	Data []byte

	// The file name suggested by the sender.  Never empty; parts
	// without a name get a generic one.
	Name string
}

// IsImage reports whether the attachment carries an image.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Message is an immutable snapshot of a mailbox message taken for a
// single processing pass.
type Message struct {
	ID

	// The address the message was sent from.
	Sender string

	// The subject line.
	Subject string

	// When the mailbox received the message.
	ReceivedAt time.Time

	// The plain text body.
	Body string

	// Attachments in the order they appear in the message.
	Attachments []Attachment

	// Whether the message is still unread in the mailbox.
	Unread bool
}

// Images returns the attachments of m that carry images, in order.
func (m *Message) Images() []Attachment {
	var images []Attachment
	for _, a := range m.Attachments {
		if a.IsImage() {
			images = append(images, a)
		}
	}
	return images
}

// ErrNotFound is returned by mailboxes for messages that were listed
// but can no longer be fetched.
var ErrNotFound = errors.New("message not found")
