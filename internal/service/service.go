// Package service coordinates the three stores: it syncs upstream sessions
// into the search mirror, answers searches with archived conversations
// removed, and assembles listings and exports with user overrides applied.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opencode-trace/internal/extension"
	"opencode-trace/internal/index"
	"opencode-trace/internal/upstream"
)

var ErrNotFound = errors.New("conversation not found")

type Options struct {
	UpstreamPath  string
	ExtensionPath string
	MirrorPath    string
	Logger        *slog.Logger
	// Now is the clock used for the sync watermark. Defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	upstream *upstream.Store
	ext      *extension.Store
	mirror   *index.Mirror
	logger   *slog.Logger
	now      func() time.Time

	syncMu sync.Mutex
}

func Open(opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ext, err := extension.Open(opts.ExtensionPath)
	if err != nil {
		return nil, err
	}
	mirror, err := index.Open(opts.MirrorPath, logger)
	if err != nil {
		_ = ext.Close()
		return nil, err
	}
	return &Service{
		upstream: upstream.Open(opts.UpstreamPath),
		ext:      ext,
		mirror:   mirror,
		logger:   logger,
		now:      now,
	}, nil
}

func (s *Service) Close() error {
	return errors.Join(s.upstream.Close(), s.ext.Close(), s.mirror.Close())
}

// Extension exposes the override store for direct CRUD.
func (s *Service) Extension() *extension.Store {
	return s.ext
}

func (s *Service) UpstreamAvailable() bool {
	return s.upstream.Available()
}

// Resolve maps a conversation id or slug to the canonical id. Ids win over
// slugs when both could match.
func (s *Service) Resolve(ctx context.Context, idOrSlug string) (string, error) {
	c, err := s.ext.Get(ctx, idOrSlug)
	if err != nil {
		return "", err
	}
	if c != nil {
		return c.ID, nil
	}
	if s.upstream.Available() {
		_, found, err := s.upstream.GetSession(ctx, idOrSlug)
		if err != nil {
			return "", err
		}
		if found {
			return idOrSlug, nil
		}
	}
	c, err = s.ext.GetBySlug(ctx, idOrSlug)
	if err != nil {
		return "", err
	}
	if c != nil {
		return c.ID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, idOrSlug)
}
