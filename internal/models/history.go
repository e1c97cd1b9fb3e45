// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package models defines the records and events shared across the service.
package models

import "time"

// AttachmentKind classifies an inbound attachment once, at the intake boundary.
type AttachmentKind int

const (
	AttachmentOther AttachmentKind = iota
	AttachmentPhoto
	AttachmentSticker
)

func (k AttachmentKind) String() string {
	switch k {
	case AttachmentPhoto:
		return "photo"
	case AttachmentSticker:
		return "sticker"
	default:
		return "other"
	}
}

// KindFromSubtype maps a provider image subtype marker onto an AttachmentKind.
// Subtype 0 is an ordinary picture; 1 is an animated sticker / emoticon.
func KindFromSubtype(subtype int) AttachmentKind {
	switch subtype {
	case 0:
		return AttachmentPhoto
	case 1:
		return AttachmentSticker
	default:
		return AttachmentOther
	}
}

// Attachment is an image carried by an inbound message.
type Attachment struct {
	URL              string
	Kind             AttachmentKind
	ProviderFilename string
}

// Event is a normalized chat message delivered by the platform adapter.
type Event struct {
	SenderID        string
	ConversationID  string
	PlainText       string
	RawContent      string
	Attachments     []Attachment
	OriginMessageID string
	BotID           string
	Platform        string
}

// Photos returns the attachments that take part in image matching.
func (e *Event) Photos() []Attachment {
	var out []Attachment
	for _, a := range e.Attachments {
		if a.Kind == AttachmentPhoto {
			out = append(out, a)
		}
	}
	return out
}

// TextRecord is one stored chat message. Immutable once written.
type TextRecord struct {
	ID             int64
	SenderID       string
	ConversationID string
	RawText        string
	PlainText      string
	OriginID       string
	BotID          string
	Platform       string
	CreatedAt      time.Time
}

// ImageRecord is one stored chat image. Immutable once written.
//
// When PerceptualHash is set, PerceptualSegments holds its four equal-length
// contiguous chunks in order.
type ImageRecord struct {
	ID                 int64
	SenderID           string
	ConversationID     string
	SourceURL          string
	URLToken           *string
	ContentHash        *string
	PerceptualHash     *string
	PerceptualSegments []string
	Width              int
	Height             int
	OriginID           string
	BotID              string
	Platform           string
	MessageID          string
	CreatedAt          time.Time
}

// Match is the part of a stored record the repeat decision needs.
type Match struct {
	ID        int64
	MessageID string
	SenderID  string
	CreatedAt time.Time
}

// MatchFromText projects a TextRecord onto a Match.
func MatchFromText(r TextRecord) Match {
	return Match{ID: r.ID, MessageID: r.OriginID, SenderID: r.SenderID, CreatedAt: r.CreatedAt}
}

// MatchFromImage projects an ImageRecord onto a Match.
func MatchFromImage(r ImageRecord) Match {
	id := r.MessageID
	if id == "" {
		id = r.OriginID
	}
	return Match{ID: r.ID, MessageID: id, SenderID: r.SenderID, CreatedAt: r.CreatedAt}
}
