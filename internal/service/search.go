package service

import (
	"context"

	"opencode-trace/internal/index"
)

type SearchRequest struct {
	Query         string
	Directory     string
	Limit         int
	SnippetLength int
	Regex         bool
}

// Search excludes archived conversations and applies title overrides.
// Like the mirror, it degrades to an empty result instead of failing.
func (s *Service) Search(ctx context.Context, req SearchRequest) []index.ConversationSearchResult {
	overrides, err := s.ext.All(ctx)
	if err != nil {
		s.logger.Error("load overrides for search", "err", err)
		return []index.ConversationSearchResult{}
	}
	archived := make(map[string]struct{})
	for id, c := range overrides {
		if c.Archived {
			archived[id] = struct{}{}
		}
	}

	results := s.mirror.Search(ctx, index.SearchOptions{
		Query:         req.Query,
		Directory:     req.Directory,
		Limit:         req.Limit,
		SnippetLength: req.SnippetLength,
		Regex:         req.Regex,
		Exclude:       archived,
	})
	for i := range results {
		if c, ok := overrides[results[i].ConversationID]; ok && c.Title != nil {
			results[i].Title = *c.Title
		}
	}
	return results
}

// ListDirectories lists directories of non-archived indexed conversations.
func (s *Service) ListDirectories(ctx context.Context) []string {
	archived, err := s.ext.ArchivedIDs(ctx)
	if err != nil {
		s.logger.Error("load archived ids", "err", err)
		return []string{}
	}
	return s.mirror.ListDirectories(ctx, archived)
}
