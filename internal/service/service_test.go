package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"opencode-trace/internal/extension"
	"opencode-trace/internal/index"
	"opencode-trace/internal/upstream"
	"opencode-trace/internal/upstream/upstreamtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc   *Service
	up    *upstreamtest.DB
	clock int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{up: upstreamtest.New(t), clock: 5_000}
	dir := t.TempDir()
	svc, err := Open(Options{
		UpstreamPath:  h.up.Path,
		ExtensionPath: filepath.Join(dir, "main.db"),
		MirrorPath:    filepath.Join(dir, "search_index.db"),
		Now:           func() time.Time { return time.UnixMilli(h.clock) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	h.svc = svc
	return h
}

// seedScenario builds two sessions in different directories, each with one
// indexable text part.
func (h *harness) seedScenario() {
	h.up.AddSession(upstreamtest.Session{ID: "sess-1", Title: "First", Directory: "/proj/a", TimeUpdated: 1_000})
	h.up.AddSession(upstreamtest.Session{ID: "sess-2", Title: "Second", Directory: "/proj/b", TimeUpdated: 2_000})
	h.up.AddMessage("msg-1", "sess-1", "user", 10, nil)
	h.up.AddTextPart("part-1", "msg-1", "Hello from user", 11)
	h.up.AddMessage("msg-2", "sess-2", "assistant", 20, map[string]any{"model": map[string]any{"modelID": "gpt-x"}})
	h.up.AddTextPart("part-2", "msg-2", "Hello from assistant", 21)
}

func ids(results []index.ConversationSearchResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.ConversationID)
	}
	return out
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedScenario()

	res, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{ConversationsSynced: 2, PartsIndexed: 2}, res)

	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, ids(h.svc.Search(ctx, SearchRequest{Query: "Hello"})))
	assert.Equal(t, []string{"sess-1"}, ids(h.svc.Search(ctx, SearchRequest{Query: "Hello", Directory: "/proj/a"})))

	require.NoError(t, h.svc.Archive(ctx, "sess-1"))
	assert.Empty(t, h.svc.Search(ctx, SearchRequest{Query: "Hello from user"}))
	assert.Equal(t, []string{"/proj/b"}, h.svc.ListDirectories(ctx))
}

func TestSyncMissingUpstreamIsNoop(t *testing.T) {
	dir := t.TempDir()
	svc, err := Open(Options{
		UpstreamPath:  filepath.Join(dir, "absent.db"),
		ExtensionPath: filepath.Join(dir, "main.db"),
		MirrorPath:    filepath.Join(dir, "search_index.db"),
	})
	require.NoError(t, err)
	defer svc.Close()

	res, err := svc.Sync(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.False(t, svc.mirror.Exists())

	list, err := svc.ListConversations(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSyncReplacesParts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.up.AddSession(upstreamtest.Session{ID: "s1", TimeUpdated: 1_000})
	h.up.AddMessage("m1", "s1", "user", 1, nil)
	h.up.AddTextPart("p1", "m1", "old text", 2)

	_, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)

	h.up.SetPartText("p1", "new text")
	h.up.TouchSession("s1", 10_000)
	res, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{ConversationsSynced: 1, PartsIndexed: 1}, res)

	assert.Empty(t, h.svc.Search(ctx, SearchRequest{Query: "old"}))
	found := h.svc.Search(ctx, SearchRequest{Query: "new text"})
	require.Len(t, found, 1)
	assert.Equal(t, 1, found[0].TotalMatches)
}

func TestSyncFiltersTypesAndRoles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.up.AddSession(upstreamtest.Session{ID: "s1"})
	h.up.AddMessage("m-sys", "s1", "system", 1, nil)
	h.up.AddTextPart("p-sys", "m-sys", "secret system prompt", 1)
	h.up.AddMessage("m-user", "s1", "user", 2, nil)
	h.up.AddPart("p-tool", "m-user", map[string]any{"type": "tool-call", "text": "secret tool text"}, 2)
	h.up.AddTextPart("p-blank", "m-user", "   \n\t", 3)
	h.up.AddTextPart("p-ok", "m-user", "  visible words  ", 4)

	res, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PartsIndexed)

	assert.Empty(t, h.svc.Search(ctx, SearchRequest{Query: "secret"}))
	found := h.svc.Search(ctx, SearchRequest{Query: "visible", Regex: true})
	require.Len(t, found, 1)
	assert.Equal(t, "p-ok", found[0].Matches[0].PartID)
	assert.Equal(t, "<<MATCH>>visible<<END>> words", found[0].Matches[0].Snippet)
	assert.Equal(t, "user", found[0].Matches[0].Role)
}

func TestIncrementalSyncBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.up.AddSession(upstreamtest.Session{ID: "s1", TimeUpdated: 100})

	_, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)
	wm, ok, err := h.svc.mirror.Watermark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h.clock, wm)

	h.up.AddSession(upstreamtest.Session{ID: "at-watermark", TimeUpdated: wm})
	h.up.AddSession(upstreamtest.Session{ID: "after-watermark", TimeUpdated: wm + 1})

	h.clock = 9_000
	res, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ConversationsSynced)

	conv, err := h.svc.Extension().Get(ctx, "at-watermark")
	require.NoError(t, err)
	assert.Nil(t, conv, "session at the watermark is not visited")
	conv, err = h.svc.Extension().Get(ctx, "after-watermark")
	require.NoError(t, err)
	assert.NotNil(t, conv)

	wm, _, err = h.svc.mirror.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9_000), wm)

	res, err = h.svc.Sync(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ConversationsSynced, "full sync ignores the watermark")
}

func TestSyncWithNoCandidatesKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.up.AddSession(upstreamtest.Session{ID: "s1", TimeUpdated: 100})

	_, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)

	h.clock = 50_000
	res, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, res)

	wm, _, err := h.svc.mirror.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), wm)
}

func TestSyncFailureDoesNotAdvanceWatermark(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.up.AddSession(upstreamtest.Session{ID: "s1", TimeUpdated: 100})
	_, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)

	h.up.AddSession(upstreamtest.Session{ID: "s2", Directory: "/proj/s2", TimeUpdated: 10_000})
	h.up.AddMessage("m2", "s2", "user", 1, nil)
	h.up.AddTextPart("p2", "m2", "will not land", 1)
	h.up.Exec(`DROP TABLE part`)

	h.clock = 20_000
	_, err = h.svc.Sync(ctx, false)
	require.Error(t, err)

	wm, _, err := h.svc.mirror.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), wm)
	assert.Empty(t, h.svc.ListDirectories(ctx), "no partial conversation rows after rollback")
}

func TestSyncNeverOverwritesOverrides(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedScenario()

	_, err := h.svc.SetOverrides(ctx, "sess-1", extension.Value("My title"), extension.Value("my-slug"))
	require.NoError(t, err)
	require.NoError(t, h.svc.Archive(ctx, "sess-1"))

	_, err = h.svc.Sync(ctx, true)
	require.NoError(t, err)

	c, err := h.svc.Extension().Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "My title", *c.Title)
	assert.Equal(t, "my-slug", *c.Slug)
	assert.True(t, c.Archived)
}

func TestArchiveSurvivesRebuild(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedScenario()
	_, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)
	require.NoError(t, h.svc.Archive(ctx, "sess-1"))

	res, err := h.svc.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ConversationsSynced)

	archived, err := h.svc.Extension().IsArchived(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, archived)

	assert.Equal(t, []string{"sess-2"}, ids(h.svc.Search(ctx, SearchRequest{Query: "Hello"})))

	list, err := h.svc.ListConversations(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-2", list[0].ID)

	arch, err := h.svc.ListArchivedConversations(ctx)
	require.NoError(t, err)
	require.Len(t, arch, 1)
	assert.Equal(t, "sess-1", arch[0].ID)
}

func TestSearchGroupsMatchesPerConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.up.AddSession(upstreamtest.Session{ID: "s1"})
	h.up.AddMessage("m1", "s1", "user", 1, nil)
	h.up.AddTextPart("p1", "m1", "needle one", 1)
	h.up.AddMessage("m2", "s1", "assistant", 2, nil)
	h.up.AddTextPart("p2", "m2", "needle two", 2)
	_, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)

	res := h.svc.Search(ctx, SearchRequest{Query: "needle"})
	require.Len(t, res, 1)
	assert.Equal(t, 2, res[0].TotalMatches)
	assert.Len(t, res[0].Matches, 2)

	assert.Empty(t, h.svc.Search(ctx, SearchRequest{Query: "[invalid", Regex: true}))
}

func TestSearchAppliesTitleOverride(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedScenario()
	_, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)
	_, err = h.svc.SetOverrides(ctx, "sess-2", extension.Value("Renamed"), extension.Unset())
	require.NoError(t, err)

	res := h.svc.Search(ctx, SearchRequest{Query: "assistant"})
	require.Len(t, res, 1)
	assert.Equal(t, "Renamed", res[0].Title)
}

func TestListConversations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedScenario()
	h.up.AddSession(upstreamtest.Session{ID: "child", Title: "Child", ParentID: "sess-1", TimeUpdated: 3_000})
	h.up.AddSession(upstreamtest.Session{ID: "sub", Title: "SubAgent helper", TimeUpdated: 4_000})

	list, err := h.svc.ListConversations(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "sess-2", list[0].ID, "newest first")
	assert.Equal(t, "gpt-x", list[0].Model)
	assert.Equal(t, "sess-1", list[1].ID)
	assert.Equal(t, "Unknown", list[1].Model)

	list, err = h.svc.ListConversations(ctx, true)
	require.NoError(t, err)
	assert.Len(t, list, 4)
	assert.Equal(t, "sub", list[0].ID)

	_, err = h.svc.SetOverrides(ctx, "sess-1", extension.Value("Override"), extension.Value("first"))
	require.NoError(t, err)
	list, err = h.svc.ListConversations(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Override", list[1].Title)
	assert.Equal(t, "first", list[1].Slug)
	assert.Equal(t, "sess-1", list[1].ID)
}

func TestLoadConversationExport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedScenario()

	_, err := h.svc.LoadConversationExport(ctx, "sess-2")
	assert.True(t, errors.Is(err, ErrNotFound), "no extension row yet")

	_, err = h.svc.Sync(ctx, false)
	require.NoError(t, err)

	exp, err := h.svc.LoadConversationExport(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, "Second", exp.Summary.Title)
	assert.Equal(t, "gpt-x", exp.Summary.Model)
	require.Len(t, exp.Messages, 1)
	require.Len(t, exp.Messages[0].Parts, 1)
	text, _ := exp.Messages[0].Parts[0].Text()
	assert.Equal(t, "Hello from assistant", text)

	require.NoError(t, h.svc.Extension().EnsureExists(ctx, "ghost"))
	_, err = h.svc.LoadConversationExport(ctx, "ghost")
	assert.True(t, errors.Is(err, ErrNotFound), "no upstream session")
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedScenario()
	_, err := h.svc.SetOverrides(ctx, "sess-1", extension.Unset(), extension.Value("greeting"))
	require.NoError(t, err)

	id, err := h.svc.Resolve(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)

	id, err = h.svc.Resolve(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", id)

	_, err = h.svc.Resolve(ctx, "nothing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestClearOverridesKeepsArchived(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.svc.SetOverrides(ctx, "s1", extension.Value("t"), extension.Value("s"))
	require.NoError(t, err)
	require.NoError(t, h.svc.Archive(ctx, "s1"))

	c, err := h.svc.ClearOverrides(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, c.Title)
	assert.Nil(t, c.Slug)
	assert.True(t, c.Archived)
}

func TestExtractText(t *testing.T) {
	cases := []struct {
		data string
		want string
		ok   bool
	}{
		{`{"type":"text","text":"  hi  "}`, "hi", true},
		{`{"type":"text","text":"   "}`, "", false},
		{`{"type":"text"}`, "", false},
		{`{"type":"reasoning","text":"thinking"}`, "", false},
		{`{"type":"tool","text":"x"}`, "", false},
		{`not json`, "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractText(upstream.Part{Data: upstream.ParsePayload(tc.data)})
		if got != tc.want || ok != tc.ok {
			t.Fatalf("data=%s got=(%q,%v) want=(%q,%v)", tc.data, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFormatMillis(t *testing.T) {
	if got := FormatMillis(0); got != "Unknown" {
		t.Fatalf("got %q", got)
	}
	ms := time.Date(2024, 3, 5, 14, 7, 0, 0, time.Local).UnixMilli()
	if got := FormatMillis(ms); got != "2024-03-05 14:07" {
		t.Fatalf("got %q", got)
	}
}

// Searches running during full re-syncs must see every part of a
// conversation or none of the replacement in progress, never a subset.
func TestSearchDuringSyncSeesWholeConversations(t *testing.T) {
	const parts = 120
	ctx := context.Background()
	h := newHarness(t)
	h.up.AddSession(upstreamtest.Session{ID: "sess-1", Title: "Busy", Directory: "/proj/a", TimeUpdated: 1_000})
	h.up.AddMessage("msg-1", "sess-1", "user", 10, nil)
	for i := 0; i < parts; i++ {
		h.up.AddTextPart(fmt.Sprintf("part-%03d", i), "msg-1", "needle text", int64(100+i))
	}
	_, err := h.svc.Sync(ctx, false)
	require.NoError(t, err)

	var (
		done     atomic.Bool
		searches atomic.Int64
		torn     atomic.Int64
		lastBad  atomic.Value
		wg       sync.WaitGroup
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !done.Load() {
				res := h.svc.Search(ctx, SearchRequest{Query: "needle"})
				searches.Add(1)
				if len(res) != 1 || res[0].TotalMatches != parts {
					torn.Add(1)
					lastBad.Store(fmt.Sprintf("%+v", res))
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		res, err := h.svc.Sync(ctx, true)
		require.NoError(t, err)
		require.Equal(t, parts, res.PartsIndexed)
	}
	done.Store(true)
	wg.Wait()

	assert.Positive(t, searches.Load())
	assert.Zero(t, torn.Load(), "last bad observation: %v", lastBad.Load())
}
