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

// Package history provides the Postgres-backed system of record for chat
// text and image history. Writes are append-only bulk inserts issued by the
// flush path; reads are the equality and set-membership lookups the repeat
// detectors need.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/repostwatch/internal/models"
)

// Store reads and appends chat history rows in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a history store backed by the given Postgres pool.
// It ensures the history tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure history schema: %w", err)
	}
	slog.Info("history store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chat_history (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			group_id    TEXT NOT NULL,
			text        TEXT NOT NULL DEFAULT '',
			plain_text  TEXT NOT NULL DEFAULT '',
			origin_id   TEXT NOT NULL DEFAULT '',
			bot_id      TEXT NOT NULL DEFAULT '',
			platform    TEXT NOT NULL DEFAULT '',
			create_time TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_chat_history_text
			ON chat_history(group_id, md5(plain_text));

		CREATE TABLE IF NOT EXISTS chat_pic_history (
			id             BIGSERIAL PRIMARY KEY,
			user_id        TEXT NOT NULL,
			group_id       TEXT NOT NULL,
			url            TEXT NOT NULL,
			url_hash       TEXT,
			img_hash       TEXT,
			img_hash_dhash TEXT,
			dhash_segments TEXT[] NOT NULL DEFAULT '{}',
			img_width      INT NOT NULL DEFAULT 0,
			img_height     INT NOT NULL DEFAULT 0,
			origin_id      TEXT NOT NULL DEFAULT '',
			bot_id         TEXT NOT NULL DEFAULT '',
			platform       TEXT NOT NULL DEFAULT '',
			message_id     TEXT NOT NULL DEFAULT '',
			create_time    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_pic_url_hash ON chat_pic_history(group_id, url_hash);
		CREATE INDEX IF NOT EXISTS idx_pic_img_hash ON chat_pic_history(group_id, img_hash);
		CREATE INDEX IF NOT EXISTS idx_pic_segments ON chat_pic_history USING GIN (dhash_segments);

		CREATE TABLE IF NOT EXISTS group_member_info (
			user_id   TEXT NOT NULL,
			group_id  TEXT NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, group_id)
		);
	`)
	return err
}

var (
	textColumns = []string{
		"user_id", "group_id", "text", "plain_text", "origin_id", "bot_id", "platform", "create_time",
	}
	imageColumns = []string{
		"user_id", "group_id", "url", "url_hash", "img_hash", "img_hash_dhash", "dhash_segments",
		"img_width", "img_height", "origin_id", "bot_id", "platform", "message_id", "create_time",
	}
)

const (
	selectText = `
		SELECT id, user_id, group_id, text, plain_text, origin_id, bot_id, platform, create_time
		FROM chat_history`
	selectImage = `
		SELECT id, user_id, group_id, url, url_hash, img_hash, img_hash_dhash, dhash_segments,
		       img_width, img_height, origin_id, bot_id, platform, message_id, create_time
		FROM chat_pic_history`
)

func textRow(r models.TextRecord) []any {
	return []any{r.SenderID, r.ConversationID, r.RawText, r.PlainText, r.OriginID, r.BotID, r.Platform, r.CreatedAt}
}

func imageRow(r models.ImageRecord) []any {
	segments := r.PerceptualSegments
	if segments == nil {
		segments = []string{}
	}
	return []any{
		r.SenderID, r.ConversationID, r.SourceURL, r.URLToken, r.ContentHash, r.PerceptualHash, segments,
		r.Width, r.Height, r.OriginID, r.BotID, r.Platform, r.MessageID, r.CreatedAt,
	}
}

// BulkInsertText writes a batch of text records with a single COPY.
func (s *Store) BulkInsertText(ctx context.Context, records []models.TextRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"chat_history"}, textColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			return textRow(records[i]), nil
		}))
	if err != nil {
		return 0, fmt.Errorf("copy chat_history: %w", err)
	}
	return n, nil
}

// BulkInsertImages writes a batch of image records with a single COPY.
func (s *Store) BulkInsertImages(ctx context.Context, records []models.ImageRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"chat_pic_history"}, imageColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			return imageRow(records[i]), nil
		}))
	if err != nil {
		return 0, fmt.Errorf("copy chat_pic_history: %w", err)
	}
	return n, nil
}

// InsertText appends a single text record.
func (s *Store) InsertText(ctx context.Context, r models.TextRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_history
			(user_id, group_id, text, plain_text, origin_id, bot_id, platform, create_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, textRow(r)...)
	return err
}

// InsertImage appends a single image record.
func (s *Store) InsertImage(ctx context.Context, r models.ImageRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_pic_history
			(user_id, group_id, url, url_hash, img_hash, img_hash_dhash, dhash_segments,
			 img_width, img_height, origin_id, bot_id, platform, message_id, create_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, imageRow(r)...)
	return err
}

// FindText returns every text record in the conversation whose plain text
// equals plainText, oldest first.
func (s *Store) FindText(ctx context.Context, conversationID, plainText string) ([]models.TextRecord, error) {
	rows, err := s.pool.Query(ctx, selectText+`
		WHERE group_id = $1 AND md5(plain_text) = md5($2) AND plain_text = $2
		ORDER BY create_time, id
	`, conversationID, plainText)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectText(rows)
}

// FindImagesExact returns image records in the conversation matching either
// the URL token or the content hash. Nil arguments never match.
func (s *Store) FindImagesExact(ctx context.Context, conversationID string, urlToken, contentHash *string) ([]models.ImageRecord, error) {
	if urlToken == nil && contentHash == nil {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, selectImage+`
		WHERE group_id = $1 AND (url_hash = $2 OR img_hash = $3)
		ORDER BY create_time, id
	`, conversationID, urlToken, contentHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectImages(rows)
}

// FindImagesBySegments returns image records in the conversation sharing at
// least one perceptual hash segment with segments, regardless of position.
func (s *Store) FindImagesBySegments(ctx context.Context, conversationID string, segments []string) ([]models.ImageRecord, error) {
	if len(segments) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, selectImage+`
		WHERE group_id = $1 AND dhash_segments && $2::text[]
		ORDER BY create_time, id
	`, conversationID, segments)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectImages(rows)
}

// DisplayName looks up a member's name within a conversation.
// Returns "" if the member is unknown.
func (s *Store) DisplayName(ctx context.Context, conversationID, senderID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `
		SELECT user_name FROM group_member_info
		WHERE user_id = $1 AND group_id = $2
	`, senderID, conversationID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// Ping checks the Postgres connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func collectText(rows pgx.Rows) ([]models.TextRecord, error) {
	var records []models.TextRecord
	for rows.Next() {
		var r models.TextRecord
		if err := rows.Scan(
			&r.ID, &r.SenderID, &r.ConversationID, &r.RawText, &r.PlainText,
			&r.OriginID, &r.BotID, &r.Platform, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func collectImages(rows pgx.Rows) ([]models.ImageRecord, error) {
	var records []models.ImageRecord
	for rows.Next() {
		var r models.ImageRecord
		if err := rows.Scan(
			&r.ID, &r.SenderID, &r.ConversationID, &r.SourceURL, &r.URLToken, &r.ContentHash,
			&r.PerceptualHash, &r.PerceptualSegments, &r.Width, &r.Height,
			&r.OriginID, &r.BotID, &r.Platform, &r.MessageID, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
