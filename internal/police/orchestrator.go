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

// Package police watches a conversation for content that was already posted
// recently and calls it out. Every message is recorded for future matching;
// independently, its text and each of its photos are looked up against
// history and run through the repeat decision.
package police

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/repostwatch/internal/ingest"
	"github.com/bcem/repostwatch/internal/media"
	"github.com/bcem/repostwatch/internal/models"
	"github.com/bcem/repostwatch/internal/phash"
	"github.com/bcem/repostwatch/internal/queue"
	"github.com/bcem/repostwatch/internal/repeat"
	"github.com/bcem/repostwatch/internal/similarity"
)

const (
	// DefaultMinTextLength is the plain-text length (in characters) a
	// message must exceed before its text is checked.
	DefaultMinTextLength = 100

	// imageWorkers bounds concurrent downloads per message.
	imageWorkers = 4

	alertHeader = "Repost police, on duty!"
)

// TextIndex finds prior identical text in a conversation.
type TextIndex interface {
	FindText(ctx context.Context, conversationID, plainText string) ([]models.TextRecord, error)
}

// ImageIndex finds prior exact or near-duplicate images in a conversation.
type ImageIndex interface {
	Match(ctx context.Context, conversationID string, p similarity.Probe) ([]models.ImageRecord, error)
}

// ImageFetcher downloads and decodes an image.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (*media.Image, error)
}

// AlertSink delivers alert messages.
type AlertSink interface {
	Publish(ctx context.Context, alert queue.Alert) error
}

// EventFilter reports whether a message event is seen for the first time.
type EventFilter interface {
	IsNew(ctx context.Context, conversationID, messageID string) (bool, error)
}

// Recorder receives operational counters.
type Recorder interface {
	MessageHandled()
	AlertRaised(kind string)
	FetchFailed()
}

// Config wires an Orchestrator. Filter and Recorder are optional.
type Config struct {
	Texts       TextIndex
	Images      ImageIndex
	Fetcher     ImageFetcher
	Engine      *repeat.Engine
	TextBuffer  *ingest.Buffer[models.TextRecord]
	ImageBuffer *ingest.Buffer[models.ImageRecord]
	Alerts      AlertSink
	Filter      EventFilter
	Recorder    Recorder

	MinTextLength int
	// Disabled lists conversations that are recorded but never policed.
	Disabled []string
}

// Orchestrator handles inbound message events.
type Orchestrator struct {
	texts       TextIndex
	images      ImageIndex
	fetcher     ImageFetcher
	engine      *repeat.Engine
	textBuffer  *ingest.Buffer[models.TextRecord]
	imageBuffer *ingest.Buffer[models.ImageRecord]
	alerts      AlertSink
	filter      EventFilter
	recorder    Recorder

	minTextLength int
	disabled      map[string]bool
	now           func() time.Time
}

// New creates an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		texts:         cfg.Texts,
		images:        cfg.Images,
		fetcher:       cfg.Fetcher,
		engine:        cfg.Engine,
		textBuffer:    cfg.TextBuffer,
		imageBuffer:   cfg.ImageBuffer,
		alerts:        cfg.Alerts,
		filter:        cfg.Filter,
		recorder:      cfg.Recorder,
		minTextLength: cfg.MinTextLength,
		disabled:      make(map[string]bool, len(cfg.Disabled)),
		now:           time.Now,
	}
	if o.minTextLength <= 0 {
		o.minTextLength = DefaultMinTextLength
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	for _, id := range cfg.Disabled {
		o.disabled[id] = true
	}
	return o
}

// HandleMessage records ev and raises alerts for repeated content. It never
// fails; problems are logged and degrade detection only.
func (o *Orchestrator) HandleMessage(ctx context.Context, ev models.Event) {
	if ev.PlainText == "" && len(ev.Attachments) == 0 {
		return
	}

	if o.filter != nil && ev.OriginMessageID != "" {
		isNew, err := o.filter.IsNew(ctx, ev.ConversationID, ev.OriginMessageID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			slog.Debug("skipping redelivered message",
				"conversation", ev.ConversationID,
				"message_id", ev.OriginMessageID,
			)
			return
		}
	}

	o.recorder.MessageHandled()
	policed := o.policed(ev)
	receivedAt := o.now()

	var g errgroup.Group
	g.Go(func() error {
		o.handleText(ctx, ev, receivedAt, policed)
		return nil
	})
	g.Go(func() error {
		o.handleImages(ctx, ev, receivedAt, policed)
		return nil
	})
	_ = g.Wait()
}

// FlushText persists buffered text history.
func (o *Orchestrator) FlushText(ctx context.Context) (int, error) {
	return o.textBuffer.Flush(ctx)
}

// FlushImages persists buffered image history.
func (o *Orchestrator) FlushImages(ctx context.Context) (int, error) {
	return o.imageBuffer.Flush(ctx)
}

func (o *Orchestrator) policed(ev models.Event) bool {
	if o.disabled[ev.ConversationID] {
		return false
	}
	return ev.BotID == "" || ev.SenderID != ev.BotID
}

func (o *Orchestrator) handleText(ctx context.Context, ev models.Event, receivedAt time.Time, policed bool) {
	o.textBuffer.Append(models.TextRecord{
		SenderID:       ev.SenderID,
		ConversationID: ev.ConversationID,
		RawText:        ev.RawContent,
		PlainText:      ev.PlainText,
		OriginID:       ev.OriginMessageID,
		BotID:          ev.BotID,
		Platform:       ev.Platform,
		CreatedAt:      receivedAt,
	})

	if !policed || utf8.RuneCountInString(ev.PlainText) <= o.minTextLength {
		return
	}

	records, err := o.texts.FindText(ctx, ev.ConversationID, ev.PlainText)
	if err != nil {
		slog.Error("text lookup failed",
			"conversation", ev.ConversationID,
			"error", err,
		)
		return
	}

	matches := make([]models.Match, len(records))
	for i, r := range records {
		matches[i] = models.MatchFromText(r)
	}
	d := o.engine.Evaluate(ctx, ev.ConversationID, matches)
	if !d.Alert {
		return
	}

	text := alertHeader + "\r\n" + fmt.Sprintf(
		"This message was first sent by %s at %s! It has been sent %d times!",
		d.FirstSenderName, o.engine.Timestamp(d.FirstSeenAt), d.RepeatCount,
	)
	o.emit(ctx, ev, "text", text)
}

// imageResult is the outcome for one photo attachment.
type imageResult struct {
	record *models.ImageRecord
	line   string
}

func (o *Orchestrator) handleImages(ctx context.Context, ev models.Event, receivedAt time.Time, policed bool) {
	results := make([]imageResult, len(ev.Attachments))
	messageID := uuid.New().String()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(imageWorkers)
	for i, att := range ev.Attachments {
		if att.Kind != models.AttachmentPhoto {
			continue
		}
		i, att := i, att
		g.Go(func() error {
			results[i] = o.handleImage(gctx, ev, i, att, messageID, receivedAt, policed)
			return nil
		})
	}
	_ = g.Wait()

	var lines []string
	for _, r := range results {
		if r.record != nil {
			o.imageBuffer.Append(*r.record)
		}
		if r.line != "" {
			lines = append(lines, r.line)
		}
	}
	if len(lines) > 0 {
		o.emit(ctx, ev, "image", alertHeader+"\r\n"+strings.Join(lines, "\r\n"))
	}
}

func (o *Orchestrator) handleImage(ctx context.Context, ev models.Event, index int, att models.Attachment, messageID string, receivedAt time.Time, policed bool) imageResult {
	rec := models.ImageRecord{
		SenderID:       ev.SenderID,
		ConversationID: ev.ConversationID,
		SourceURL:      att.URL,
		OriginID:       ev.OriginMessageID,
		BotID:          ev.BotID,
		Platform:       ev.Platform,
		MessageID:      messageID,
		CreatedAt:      receivedAt,
	}
	if token, ok := phash.ExactToken(att.URL); ok {
		rec.URLToken = &token
	}
	if att.ProviderFilename != "" {
		name := att.ProviderFilename
		rec.ContentHash = &name
	}

	img, err := o.fetcher.Fetch(ctx, att.URL)
	if err != nil {
		o.recorder.FetchFailed()
		slog.Warn("image fetch failed, exact match only",
			"conversation", ev.ConversationID,
			"url", att.URL,
			"error", err,
		)
	} else if img != nil {
		rec.Width, rec.Height = img.Width, img.Height
		if h, err := phash.Perceptual(img.Pixels); err != nil {
			slog.Warn("perceptual hash failed", "url", att.URL, "error", err)
		} else if segs, err := phash.Segment(h); err == nil {
			rec.PerceptualHash = &h
			rec.PerceptualSegments = segs[:]
		}
	}

	var res imageResult
	if rec.URLToken != nil || rec.ContentHash != nil || rec.PerceptualHash != nil {
		res.record = &rec
	}
	if !policed || res.record == nil {
		return res
	}

	records, err := o.images.Match(ctx, ev.ConversationID, similarity.Probe{
		URLToken:       rec.URLToken,
		ContentHash:    rec.ContentHash,
		PerceptualHash: rec.PerceptualHash,
	})
	if err != nil {
		slog.Error("image lookup failed",
			"conversation", ev.ConversationID,
			"error", err,
		)
		return res
	}

	matches := make([]models.Match, len(records))
	for i, r := range records {
		matches[i] = models.MatchFromImage(r)
	}
	d := o.engine.Evaluate(ctx, ev.ConversationID, matches)
	if d.Alert {
		res.line = fmt.Sprintf("Image #%d was first sent by %s at %s! It has been sent %d times!",
			index+1, d.FirstSenderName, o.engine.Timestamp(d.FirstSeenAt), d.RepeatCount)
	}
	return res
}

func (o *Orchestrator) emit(ctx context.Context, ev models.Event, kind, text string) {
	o.recorder.AlertRaised(kind)
	err := o.alerts.Publish(ctx, queue.Alert{
		ConversationID: ev.ConversationID,
		ReplyTo:        ev.OriginMessageID,
		BotID:          ev.BotID,
		Platform:       ev.Platform,
		Kind:           kind,
		Text:           text,
	})
	if err != nil {
		slog.Error("alert delivery failed",
			"conversation", ev.ConversationID,
			"kind", kind,
			"error", err,
		)
	}
}

type nopRecorder struct{}

func (nopRecorder) MessageHandled()    {}
func (nopRecorder) AlertRaised(string) {}
func (nopRecorder) FetchFailed()       {}
