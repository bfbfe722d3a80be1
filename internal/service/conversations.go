package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"opencode-trace/internal/extension"
	"opencode-trace/internal/upstream"
)

const unknownModel = "Unknown"

// ConversationSummary is an upstream session with its overrides applied.
// ID is always the upstream id.
type ConversationSummary struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Slug             string `json:"slug,omitempty"`
	Directory        string `json:"directory"`
	Version          string `json:"version,omitempty"`
	ProjectID        string `json:"projectID,omitempty"`
	ParentID         string `json:"parentID,omitempty"`
	TimeCreated      int64  `json:"timeCreated"`
	TimeUpdated      int64  `json:"timeUpdated"`
	SummaryAdditions int64  `json:"summaryAdditions"`
	SummaryDeletions int64  `json:"summaryDeletions"`
	SummaryFiles     int64  `json:"summaryFiles"`
	Model            string `json:"model"`
	Archived         bool   `json:"archived"`
}

func summarize(sess upstream.Session, model string, override *extension.Conversation) ConversationSummary {
	if model == "" {
		model = unknownModel
	}
	sum := ConversationSummary{
		ID:               sess.ID,
		Title:            sess.Title,
		Slug:             sess.Slug,
		Directory:        sess.Directory,
		Version:          sess.Version,
		ProjectID:        sess.ProjectID,
		ParentID:         sess.ParentID,
		TimeCreated:      sess.TimeCreated,
		TimeUpdated:      sess.TimeUpdated,
		SummaryAdditions: sess.SummaryAdditions,
		SummaryDeletions: sess.SummaryDeletions,
		SummaryFiles:     sess.SummaryFiles,
		Model:            model,
	}
	if override != nil {
		if override.Title != nil {
			sum.Title = *override.Title
		}
		if override.Slug != nil {
			sum.Slug = *override.Slug
		}
		sum.Archived = override.Archived
	}
	return sum
}

// ListConversations returns non-archived conversations, newest first. Unless
// showAll is set, child sessions and subagent-titled sessions are hidden.
func (s *Service) ListConversations(ctx context.Context, showAll bool) ([]ConversationSummary, error) {
	all, err := s.summaries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(all))
	for _, sum := range all {
		if sum.Archived {
			continue
		}
		if !showAll && (sum.ParentID != "" || strings.Contains(strings.ToLower(sum.Title), "subagent")) {
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}

// ListArchivedConversations returns archived conversations, newest first.
func (s *Service) ListArchivedConversations(ctx context.Context) ([]ConversationSummary, error) {
	all, err := s.summaries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0)
	for _, sum := range all {
		if sum.Archived {
			out = append(out, sum)
		}
	}
	return out, nil
}

func (s *Service) summaries(ctx context.Context) ([]ConversationSummary, error) {
	if !s.upstream.Available() {
		return []ConversationSummary{}, nil
	}
	overrides, err := s.ext.All(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := s.upstream.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	models, err := s.upstream.ModelNames(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, 0, len(sessions))
	for _, sess := range sessions {
		var ov *extension.Conversation
		if c, ok := overrides[sess.ID]; ok {
			ov = &c
		}
		out = append(out, summarize(sess, models[sess.ID], ov))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TimeUpdated != out[j].TimeUpdated {
			return out[i].TimeUpdated > out[j].TimeUpdated
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type ExportMessage struct {
	upstream.Message
	Parts []upstream.Part
}

type ConversationExport struct {
	Summary  ConversationSummary
	Messages []ExportMessage
}

// LoadConversationExport returns ErrNotFound when the conversation has no
// extension row or no upstream session.
func (s *Service) LoadConversationExport(ctx context.Context, id string) (*ConversationExport, error) {
	override, err := s.ext.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if override == nil || !s.upstream.Available() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sess, found, err := s.upstream.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	msgs, err := s.upstream.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	parts, err := s.upstream.PartsBySession(ctx, id)
	if err != nil {
		return nil, err
	}

	model := ""
	out := &ConversationExport{Messages: make([]ExportMessage, 0, len(msgs))}
	for _, m := range msgs {
		if model == "" {
			model = m.ModelID()
		}
		out.Messages = append(out.Messages, ExportMessage{Message: m, Parts: parts[m.ID]})
	}
	out.Summary = summarize(sess, model, override)
	return out, nil
}

func (s *Service) Archive(ctx context.Context, id string) error {
	return s.ext.SetArchived(ctx, id, true)
}

func (s *Service) Unarchive(ctx context.Context, id string) error {
	return s.ext.SetArchived(ctx, id, false)
}

// SetOverrides applies title and slug with the extension store's
// three-valued semantics.
func (s *Service) SetOverrides(ctx context.Context, id string, title, slug extension.Field) (extension.Conversation, error) {
	return s.ext.Upsert(ctx, id, title, slug)
}

// ClearOverrides reverts title and slug to upstream. Archived state is kept.
func (s *Service) ClearOverrides(ctx context.Context, id string) (extension.Conversation, error) {
	return s.ext.Upsert(ctx, id, extension.Null(), extension.Null())
}

// FormatMillis renders a millisecond timestamp in local time.
func FormatMillis(ms int64) string {
	if ms == 0 {
		return "Unknown"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}
