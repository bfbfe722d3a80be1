package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"opencode-trace/internal/index"
	"opencode-trace/internal/service"
	"opencode-trace/internal/upstream/upstreamtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	t        *testing.T
	up       *upstreamtest.DB
	dataDir  string
	exportTo string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, k := range []string{"OPENCODE_DB", "OPENCODE_TRACE_DATA", "OPENCODE_TRACE_LOG_FILE", "OPENCODE_TRACE_LOG_LEVEL"} {
		t.Setenv(k, "")
	}

	e := &env{t: t, up: upstreamtest.New(t), dataDir: t.TempDir(), exportTo: t.TempDir()}
	e.up.AddSession(upstreamtest.Session{ID: "sess-1", Title: "Fix login", Directory: "/proj/api", TimeUpdated: 2_000})
	e.up.AddSession(upstreamtest.Session{ID: "sess-2", Title: "Docs pass", Directory: "/proj/web", TimeUpdated: 1_000})
	e.up.AddSession(upstreamtest.Session{ID: "sess-3", Title: "child run", Directory: "/proj/api", ParentID: "sess-1", TimeUpdated: 3_000})
	e.up.AddMessage("msg-1", "sess-1", "user", 10, nil)
	e.up.AddTextPart("part-1", "msg-1", "the login handler returns connection refused", 11)
	e.up.AddMessage("msg-2", "sess-2", "assistant", 20, map[string]any{"model": map[string]any{"modelID": "gpt-x"}})
	e.up.AddTextPart("part-2", "msg-2", "updated the README", 21)
	return e
}

func (e *env) run(args ...string) (string, error) {
	e.t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	base := []string{"--upstream-db", e.up.Path, "--data-dir", e.dataDir, "--export-dir", e.exportTo, "--log-level", "error"}
	root.SetArgs(append(base, args...))
	err := root.Execute()
	return out.String(), err
}

func (e *env) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, out)
	return out
}

func TestSyncThenSearch(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun("sync")
	assert.Contains(t, out, "Synced 3 conversations, 2 parts indexed.")

	var results []index.ConversationSearchResult
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("search", "connection refused", "--json")), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "sess-1", results[0].ConversationID)
	assert.Equal(t, 1, results[0].TotalMatches)
	assert.Contains(t, results[0].Matches[0].Snippet, "<<MATCH>>")

	text := e.mustRun("search", "README")
	assert.Contains(t, text, "Docs pass")
	assert.Contains(t, text, "[assistant]")

	assert.Contains(t, e.mustRun("search", "nothing-like-this"), "No matches.")
}

func TestSearchRegexAndDirectory(t *testing.T) {
	e := newEnv(t)
	e.mustRun("sync")

	var results []index.ConversationSearchResult
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("search", "--regex", "log[a-z]n", "--json")), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "sess-1", results[0].ConversationID)

	results = nil
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("search", "the", "--dir", "/proj/web", "--json")), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "sess-2", results[0].ConversationID)
}

func TestListFiltersChildren(t *testing.T) {
	e := newEnv(t)
	e.mustRun("sync")

	var items []service.ConversationSummary
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("list", "--json")), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "sess-1", items[0].ID)
	assert.Equal(t, "gpt-x", items[1].Model)

	items = nil
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("list", "--all", "--json")), &items))
	assert.Len(t, items, 3)

	assert.Contains(t, e.mustRun("list"), "Conversations (2):")
}

func TestArchiveHidesFromSearchAndDirs(t *testing.T) {
	e := newEnv(t)
	e.mustRun("sync")

	assert.Contains(t, e.mustRun("archive", "sess-2"), "Archived sess-2")
	assert.Contains(t, e.mustRun("search", "README"), "No matches.")
	assert.Equal(t, "/proj/api\n", e.mustRun("dirs"))

	var items []service.ConversationSummary
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("list", "--archived", "--json")), &items))
	require.Len(t, items, 1)
	assert.True(t, items[0].Archived)

	e.mustRun("unarchive", "sess-2")
	assert.Contains(t, e.mustRun("search", "README"), "Docs pass")
}

func TestOverrideLifecycle(t *testing.T) {
	e := newEnv(t)
	e.mustRun("sync")

	var row overrideView
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("override", "set", "sess-1", "--title", "Auth fix", "--slug", "auth", "--json")), &row))
	require.NotNil(t, row.Title)
	assert.Equal(t, "Auth fix", *row.Title)

	got := e.mustRun("override", "get", "auth")
	assert.Contains(t, got, "title:    Auth fix")
	assert.Contains(t, got, "slug:     auth")

	_, err := e.run("override", "set", "sess-2", "--slug", "auth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")

	_, err = e.run("override", "set", "sess-1", "--title", "x", "--clear-title")
	require.Error(t, err)

	_, err = e.run("override", "set", "sess-1")
	require.Error(t, err)

	e.mustRun("archive", "auth")
	e.mustRun("override", "clear", "auth")
	got = e.mustRun("override", "get", "sess-1")
	assert.Contains(t, got, "title:    (upstream)")
	assert.Contains(t, got, "archived: true")
}

func TestExportBySlug(t *testing.T) {
	e := newEnv(t)
	e.mustRun("sync")
	e.mustRun("override", "set", "sess-1", "--title", "Auth fix", "--slug", "auth")

	md := e.mustRun("export", "auth", "-o", "-")
	assert.Contains(t, md, "# Auth fix")
	assert.Contains(t, md, "## User")
	assert.Contains(t, md, "connection refused")

	out := e.mustRun("export", "auth")
	assert.Contains(t, out, filepath.Join(e.exportTo, "auth.md"))
	assert.FileExists(t, filepath.Join(e.exportTo, "auth.md"))

	target := filepath.Join(t.TempDir(), "session.json")
	e.mustRun("export", "sess-1", "--json", "-o", target)
	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "sess-1", doc["sessionID"])
}

func TestUnknownConversation(t *testing.T) {
	e := newEnv(t)
	e.mustRun("sync")

	_, err := e.run("archive", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no conversation with id or slug "missing"`)
}

func TestRebuildKeepsOverrides(t *testing.T) {
	e := newEnv(t)
	e.mustRun("sync")
	e.mustRun("override", "set", "sess-1", "--title", "Auth fix")

	assert.Contains(t, e.mustRun("rebuild"), "Rebuilt index: 3 conversations, 2 parts indexed.")

	var results []index.ConversationSearchResult
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("search", "login", "--json")), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "Auth fix", results[0].Title)
}

func TestOverrideFieldStates(t *testing.T) {
	f, err := overrideField(false, "", false, "title")
	require.NoError(t, err)
	assert.False(t, f.IsSet())

	f, err = overrideField(true, "x", false, "title")
	require.NoError(t, err)
	assert.True(t, f.IsSet())

	f, err = overrideField(false, "", true, "title")
	require.NoError(t, err)
	assert.True(t, f.IsSet())

	_, err = overrideField(true, "x", true, "title")
	assert.Error(t, err)
}
