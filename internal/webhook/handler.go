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

// Package webhook receives normalized message events from the chat platform
// adapter. Each POST carries one event; the handler answers 202 at once and
// processes the event in the background so the adapter is never held up.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bcem/repostwatch/internal/models"
)

const (
	// maxBodyBytes bounds an event payload.
	maxBodyBytes = 1 << 20

	shutdownTimeout = 10 * time.Second
)

// MessageHandler processes a normalized message event.
type MessageHandler interface {
	HandleMessage(ctx context.Context, ev models.Event)
}

// Handler serves the event intake endpoint.
type Handler struct {
	messages MessageHandler
	token    string
	// dispatch runs event processing; tests replace it to run inline.
	dispatch func(func())
	inflight sync.WaitGroup
}

// NewHandler creates an intake handler. A non-empty token must be presented
// by the adapter as a bearer token.
func NewHandler(messages MessageHandler, token string) *Handler {
	return &Handler{
		messages: messages,
		token:    token,
		dispatch: func(f func()) { go f() },
	}
}

// ServeEvent handles POST /events.
//
//   - 405 for anything but POST
//   - 401 when the bearer token does not match
//   - 400 for an undecodable or incomplete event
//   - 202 otherwise; the event is handled in the background
func (h *Handler) ServeEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		slog.Warn("event rejected: bad token", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ev, err := parseEvent(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		slog.Info("event rejected", "error", err)
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	slog.Debug("event accepted",
		"conversation", ev.ConversationID,
		"message_id", ev.OriginMessageID,
		"photos", len(ev.Photos()),
	)
	h.inflight.Add(1)
	h.dispatch(func() {
		defer h.inflight.Done()
		h.messages.HandleMessage(context.Background(), *ev)
	})
}

// Wait blocks until every accepted event has been handled. Call it after
// intake has stopped so no new events are added.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

// Serve starts the intake HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. When ctx is cancelled the server
// stops accepting, waits for in-progress requests, and closes stopped.
func Serve(ctx context.Context, port int, handler *Handler) (ready, stopped <-chan struct{}, err error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", handler.ServeEvent)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind events port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	stoppedCh := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("event intake shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("event intake shutdown error", "error", err)
			server.Close()
		}
		close(stoppedCh)
	}()

	go func() {
		slog.Info("event intake listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("event intake server error", "error", err)
		}
	}()

	return readyCh, stoppedCh, nil
}
