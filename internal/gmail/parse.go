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

package gmail

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"

	"github.com/matta/mealmail/internal/message"
)

// Parse decodes an RFC 5322 message into its sender, subject, plain
// text body and attachments.  The body joins every inline text/plain
// part; a message without one falls back to its first text/html part
// rendered as text.  Image parts are treated as attachments
// whether or not they are marked inline.  On error the returned
// message holds everything read up to that point; it is never nil.
// ReceivedAt is taken from the Date header; callers with a better
// source overwrite it.
func Parse(raw []byte) (*message.Message, error) {
	m := &message.Message{}
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if r == nil {
		// Only unknown charset errors come with a usable reader.
		return m, errors.Wrap(err, "unable to read message header")
	}

	if subject, err := r.Header.Subject(); err == nil {
		m.Subject = subject
	}
	if from, err := r.Header.AddressList("From"); err == nil && len(from) > 0 {
		m.Sender = from[0].Address
	}
	if date, err := r.Header.Date(); err == nil {
		m.ReceivedAt = date
	}

	var texts, htmls []string
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !isUnknownCharset(err) {
			m.Body = plainBody(texts, htmls)
			return m, errors.Wrap(err, "unable to read message part")
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case mediaType == "" || mediaType == "text/plain":
				texts = append(texts, string(body))
			case mediaType == "text/html":
				htmls = append(htmls, string(body))
			case strings.HasPrefix(mediaType, "image/"):
				_, disp, _ := h.ContentDisposition()
				name := disp["filename"]
				if name == "" {
					name = params["name"]
				}
				m.Attachments = append(m.Attachments, attachment(mediaType, name, body, len(m.Attachments)))
			}
		case *mail.AttachmentHeader:
			mediaType, _, _ := h.ContentType()
			name, _ := h.Filename()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			m.Attachments = append(m.Attachments, attachment(mediaType, name, body, len(m.Attachments)))
		}
	}
	m.Body = plainBody(texts, htmls)
	return m, nil
}

func plainBody(texts, htmls []string) string {
	if len(texts) == 0 && len(htmls) > 0 {
		return htmlText(strings.NewReader(htmls[0]))
	}
	return strings.Join(texts, "\n")
}

func attachment(mediaType, name string, data []byte, index int) message.Attachment {
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("attachment-%d%s", index+1, extension(mediaType))
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return message.Attachment{MimeType: mediaType, Name: name, Data: data}
}

func extension(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// isUnknownCharset reports whether err only says a charset could not be
// decoded; the content is still usable as raw bytes.
func isUnknownCharset(err error) bool {
	return err != nil && gomessage.IsUnknownCharset(err)
}
