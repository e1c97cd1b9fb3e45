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

// Package repeat decides whether a set of prior matches for a new message
// is worth an alert. Content that repeats too often is treated as habitual
// (stickers, memes) and ignored; content whose latest occurrence has left
// the cooldown window is considered stale.
package repeat

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/bcem/repostwatch/internal/models"
)

const (
	DefaultIgnoreLimit = 10
	DefaultCooldown    = time.Minute

	// TimeLayout renders first-seen times in alerts.
	TimeLayout = "2006-01-02 15:04:05"
)

// Reason records why a decision came out the way it did.
type Reason string

const (
	ReasonNoMatch  Reason = "no_match"
	ReasonHabitual Reason = "habitual"
	ReasonStale    Reason = "stale"
	ReasonRepeat   Reason = "repeat"
)

// Policy holds the thresholds applied to a match set.
type Policy struct {
	IgnoreLimit int
	Cooldown    time.Duration
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{IgnoreLimit: DefaultIgnoreLimit, Cooldown: DefaultCooldown}
}

// Decision is the outcome for one piece of content in one message.
type Decision struct {
	Alert           bool
	Reason          Reason
	RepeatCount     int
	FirstSenderID   string
	FirstSenderName string
	FirstSeenAt     time.Time
}

// Decide applies p to matches as of now. It never fails; an empty match set
// simply yields no alert.
func Decide(matches []models.Match, now time.Time, p Policy) Decision {
	if len(matches) == 0 {
		return Decision{Reason: ReasonNoMatch}
	}

	sorted := append([]models.Match(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	count := distinctMessages(sorted)
	if count > p.IgnoreLimit {
		return Decision{Reason: ReasonHabitual, RepeatCount: count}
	}

	last := sorted[len(sorted)-1]
	if !last.CreatedAt.After(now.Add(-p.Cooldown)) {
		return Decision{Reason: ReasonStale, RepeatCount: count}
	}

	first := sorted[0]
	return Decision{
		Alert:         true,
		Reason:        ReasonRepeat,
		RepeatCount:   count,
		FirstSenderID: first.SenderID,
		FirstSeenAt:   first.CreatedAt,
	}
}

// distinctMessages counts message identifiers; a record without one counts
// on its own.
func distinctMessages(matches []models.Match) int {
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		key := m.MessageID
		if key == "" {
			key = "#" + strconv.FormatInt(m.ID, 10)
		}
		seen[key] = struct{}{}
	}
	return len(seen)
}

// NameResolver looks up a member's display name within a conversation.
type NameResolver interface {
	DisplayName(ctx context.Context, conversationID, senderID string) (string, error)
}

// Engine wraps Decide with a clock, name resolution and time rendering.
type Engine struct {
	policy   Policy
	names    NameResolver
	location *time.Location
	now      func() time.Time
}

// NewEngine creates an engine. names may be nil, in which case alerts carry
// the raw sender id. A nil location renders times in UTC.
func NewEngine(p Policy, names NameResolver, location *time.Location) *Engine {
	if location == nil {
		location = time.UTC
	}
	return &Engine{policy: p, names: names, location: location, now: time.Now}
}

// Evaluate decides on matches found in conversationID and, on alert, fills in
// the first sender's display name.
func (e *Engine) Evaluate(ctx context.Context, conversationID string, matches []models.Match) Decision {
	d := Decide(matches, e.now(), e.policy)
	slog.Debug("repeat decision",
		"conversation", conversationID,
		"reason", d.Reason,
		"repeat_count", d.RepeatCount,
	)
	if !d.Alert {
		return d
	}

	d.FirstSenderName = d.FirstSenderID
	if e.names == nil {
		return d
	}
	name, err := e.names.DisplayName(ctx, conversationID, d.FirstSenderID)
	if err != nil {
		slog.Warn("display name lookup failed",
			"conversation", conversationID,
			"sender", d.FirstSenderID,
			"error", err,
		)
		return d
	}
	if name != "" {
		d.FirstSenderName = name
	}
	return d
}

// Timestamp renders t for an alert.
func (e *Engine) Timestamp(t time.Time) string {
	return t.In(e.location).Format(TimeLayout)
}
