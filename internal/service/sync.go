package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"opencode-trace/internal/index"
	"opencode-trace/internal/upstream"

	"github.com/google/uuid"
)

type SyncResult struct {
	ConversationsSynced int `json:"conversationsSynced"`
	PartsIndexed        int `json:"partsIndexed"`
}

// Sync mirrors upstream sessions into the search index. With forceFull unset
// only sessions updated strictly after the last watermark are visited. All
// mirror writes and the new watermark are committed together; any failure
// rolls everything back and leaves the watermark where it was.
func (s *Service) Sync(ctx context.Context, forceFull bool) (SyncResult, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.sync(ctx, forceFull)
}

// Rebuild deletes the mirror file and runs a full sync. Overrides and
// archived state live in the extension store and are untouched.
func (s *Service) Rebuild(ctx context.Context) (SyncResult, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if err := s.mirror.Reset(); err != nil {
		return SyncResult{}, fmt.Errorf("reset search mirror: %w", err)
	}
	s.logger.Info("search mirror deleted", "path", s.mirror.Path())
	return s.sync(ctx, true)
}

func (s *Service) sync(ctx context.Context, forceFull bool) (SyncResult, error) {
	log := s.logger.With("run_id", uuid.NewString())
	started := time.Now()

	if !s.upstream.Available() {
		log.Info("upstream database not found, skipping sync", "path", s.upstream.Path())
		return SyncResult{}, nil
	}
	if err := s.mirror.EnsureSchema(ctx); err != nil {
		return SyncResult{}, err
	}

	w, err := s.mirror.BeginWrite(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	defer w.Rollback()

	var (
		candidates []upstream.Session
		cutoff     int64
		haveCutoff bool
	)
	if !forceFull {
		cutoff, haveCutoff, err = w.Watermark(ctx)
		if err != nil {
			return SyncResult{}, err
		}
	}
	if haveCutoff {
		candidates, err = s.upstream.SessionsUpdatedAfter(ctx, cutoff)
	} else {
		candidates, err = s.upstream.ListSessions(ctx)
	}
	if err != nil {
		return SyncResult{}, fmt.Errorf("select sync candidates: %w", err)
	}

	if len(candidates) == 0 {
		log.Info("search index up to date", "elapsed", time.Since(started))
		return SyncResult{}, nil
	}

	ids := make([]string, len(candidates))
	for i, sess := range candidates {
		ids[i] = sess.ID
	}
	if err := s.ext.EnsureAll(ctx, ids); err != nil {
		return SyncResult{}, err
	}

	var res SyncResult
	for _, sess := range candidates {
		n, err := s.syncConversation(ctx, w, sess)
		if err != nil {
			return SyncResult{}, fmt.Errorf("sync conversation %s: %w", sess.ID, err)
		}
		res.ConversationsSynced++
		res.PartsIndexed += n
	}

	if err := w.SetWatermark(ctx, s.now().UnixMilli()); err != nil {
		return SyncResult{}, err
	}
	if err := w.Commit(); err != nil {
		return SyncResult{}, err
	}

	log.Info("search index synced",
		"full", !haveCutoff,
		"conversations", res.ConversationsSynced,
		"parts", res.PartsIndexed,
		"elapsed", time.Since(started),
	)
	return res, nil
}

func (s *Service) syncConversation(ctx context.Context, w *index.Writer, sess upstream.Session) (int, error) {
	if err := w.UpsertConversation(ctx, index.ConversationRow{
		ID:          sess.ID,
		Directory:   sess.Directory,
		Title:       sess.Title,
		TimeUpdated: sess.TimeUpdated,
	}); err != nil {
		return 0, err
	}

	msgs, err := s.upstream.Messages(ctx, sess.ID)
	if err != nil {
		return 0, err
	}
	partsByMsg, err := s.upstream.PartsBySession(ctx, sess.ID)
	if err != nil {
		return 0, err
	}

	var rows []index.PartRow
	for _, msg := range msgs {
		role := msg.Role()
		if role != "user" && role != "assistant" {
			continue
		}
		for _, p := range partsByMsg[msg.ID] {
			text, ok := ExtractText(p)
			if !ok {
				continue
			}
			rows = append(rows, index.PartRow{
				ID:             p.ID,
				ConversationID: sess.ID,
				MessageID:      msg.ID,
				Role:           role,
				Content:        text,
				TimeCreated:    p.TimeCreated,
			})
		}
	}
	return w.ReplaceParts(ctx, sess.ID, rows)
}

// ExtractText yields the trimmed text of a text part. Every other part type,
// and text that is blank, yields nothing.
func ExtractText(p upstream.Part) (string, bool) {
	if p.Type() != "text" {
		return "", false
	}
	text, ok := p.Text()
	if !ok {
		return "", false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	return text, true
}
