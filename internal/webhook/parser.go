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

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bcem/repostwatch/internal/models"
)

// wireAttachment is one segment of an adapter payload that carries media.
type wireAttachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	SubType  *int   `json:"sub_type"`
	Filename string `json:"filename"`
}

// wireEvent is the JSON shape the platform adapter posts.
type wireEvent struct {
	SenderID        string           `json:"sender_id"`
	ConversationID  string           `json:"conversation_id"`
	PlainText       string           `json:"plain_text"`
	RawContent      string           `json:"raw_content"`
	Attachments     []wireAttachment `json:"attachments"`
	OriginMessageID string           `json:"origin_message_id"`
	BotID           string           `json:"bot_id"`
	Platform        string           `json:"platform"`
}

var errMissingField = errors.New("missing required field")

// parseEvent decodes an adapter payload into a normalized Event, resolving
// each attachment's kind once.
func parseEvent(body io.Reader) (*models.Event, error) {
	var w wireEvent
	if err := json.NewDecoder(body).Decode(&w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	if strings.TrimSpace(w.ConversationID) == "" {
		return nil, fmt.Errorf("%w: conversation_id", errMissingField)
	}
	if strings.TrimSpace(w.SenderID) == "" {
		return nil, fmt.Errorf("%w: sender_id", errMissingField)
	}

	ev := &models.Event{
		SenderID:        w.SenderID,
		ConversationID:  w.ConversationID,
		PlainText:       w.PlainText,
		RawContent:      w.RawContent,
		OriginMessageID: w.OriginMessageID,
		BotID:           w.BotID,
		Platform:        w.Platform,
	}
	if ev.RawContent == "" {
		ev.RawContent = ev.PlainText
	}

	// Every wire attachment keeps its slot so alert numbering matches the
	// position the sender sees; ones without a URL cannot be inspected.
	for _, a := range w.Attachments {
		kind := attachmentKind(a)
		if a.URL == "" {
			kind = models.AttachmentOther
		}
		ev.Attachments = append(ev.Attachments, models.Attachment{
			URL:              a.URL,
			Kind:             kind,
			ProviderFilename: a.Filename,
		})
	}

	return ev, nil
}

// attachmentKind classifies a wire attachment. Images without a subtype
// marker are ordinary photos.
func attachmentKind(a wireAttachment) models.AttachmentKind {
	switch strings.ToLower(a.Type) {
	case "image", "":
	case "sticker", "face", "mface":
		return models.AttachmentSticker
	default:
		return models.AttachmentOther
	}
	if a.SubType == nil {
		return models.AttachmentPhoto
	}
	return models.KindFromSubtype(*a.SubType)
}
