package commands

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leapstack-labs/leapcompare/internal/catalog"
	"github.com/leapstack-labs/leapcompare/internal/cli/testutil"
	"github.com/leapstack-labs/leapcompare/internal/compare"
	"github.com/leapstack-labs/leapcompare/internal/server"
	"github.com/leapstack-labs/leapcompare/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSnapshot_Markdown(t *testing.T) {
	tr := testutil.NewTestRendererMarkdown()

	require.NoError(t, renderSnapshot(tr.Renderer, testutil.SampleSnapshot()))

	out := tr.Output()
	testutil.AssertValidMarkdown(t, out)
	assert.Contains(t, out, "# Run run-1")
	assert.Contains(t, out, "- **Status:** completed")
	assert.Contains(t, out, "## alpha (completed)")
	assert.Contains(t, out, "> Recall the joke.")
	assert.Contains(t, out, "- **Error:** connection reset")
	assert.Contains(t, out, "| alpha | completed | 1.25s | 5 | 8 |")
}

func TestRenderSnapshot_Text(t *testing.T) {
	tr := testutil.NewTestRendererText()

	require.NoError(t, renderSnapshot(tr.Renderer, testutil.SampleSnapshot()))

	out := testutil.StripANSI(tr.Output())
	assert.Contains(t, out, "Run run-1 (completed)")
	assert.Contains(t, out, "A monoid in the category of endofunctors.")
	assert.Contains(t, out, "connection reset")
	assert.Contains(t, out, "┌")
}

func TestRenderSnapshot_JSON(t *testing.T) {
	tr := testutil.NewTestRendererJSON()

	require.NoError(t, renderSnapshot(tr.Renderer, testutil.SampleSnapshot()))

	var snap core.RunSnapshot
	require.NoError(t, json.Unmarshal(tr.Out.Bytes(), &snap))
	assert.Equal(t, "run-1", snap.Run.ID)
	assert.Len(t, snap.Results, 2)
}

func TestResultRows(t *testing.T) {
	rows := resultRows(testutil.SampleSnapshot().Results)

	assert.Equal(t, [][]string{
		{"alpha", "completed", "1.25s", "5", "8"},
		{"beta", "failed", "-", "-", "-"},
	}, rows)
	assert.Equal(t, "1/2 completed", resultSummary(testutil.SampleSnapshot().Results))
}

func TestProgressPrinter(t *testing.T) {
	t.Run("stream mode prints events as JSON lines", func(t *testing.T) {
		tr := testutil.NewTestRendererText()
		p := newProgressPrinter(tr.Renderer, true)

		require.NoError(t, p.handle(compare.RunStart{RunID: "r1"}))
		require.NoError(t, p.handle(compare.Delta{ModelID: "alpha", TextDelta: "hi"}))

		lines := strings.Split(strings.TrimSpace(tr.Output()), "\n")
		require.Len(t, lines, 2)
		assert.JSONEq(t, `{"type":"run_start","runId":"r1"}`, lines[0])
		assert.JSONEq(t, `{"type":"delta","modelId":"alpha","textDelta":"hi"}`, lines[1])
		assert.Empty(t, tr.ErrorOutput())
	})

	t.Run("progress goes to stderr", func(t *testing.T) {
		tr := testutil.NewTestRendererMarkdown()
		p := newProgressPrinter(tr.Renderer, false)

		require.NoError(t, p.handle(compare.ModelError{ModelID: "beta", Error: "boom"}))
		require.NoError(t, p.handle(compare.Delta{ModelID: "beta", TextDelta: "ignored"}))

		assert.Empty(t, tr.Output())
		assert.Contains(t, tr.ErrorOutput(), "beta failed boom")
		assert.NotContains(t, tr.ErrorOutput(), "ignored")
	})

	t.Run("json mode is silent", func(t *testing.T) {
		tr := testutil.NewTestRendererJSON()
		p := newProgressPrinter(tr.Renderer, false)

		require.NoError(t, p.handle(compare.RunStart{RunID: "r1"}))
		assert.Empty(t, tr.Output())
		assert.Empty(t, tr.ErrorOutput())
	})
}

func TestReadPrompt(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		stdin string
		want  string
	}{
		{name: "argument", args: []string{"hello"}, stdin: "ignored", want: "hello"},
		{name: "stdin without args", stdin: "from stdin\n", want: "from stdin"},
		{name: "dash reads stdin", args: []string{"-"}, stdin: "  piped  ", want: "piped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPrompt(strings.NewReader(tt.stdin), tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCatalogModels(t *testing.T) {
	configured := []catalog.Model{
		{ID: "gpt", Provider: ProviderOpenRouter, UpstreamID: "openai/gpt-4o"},
		{ID: "claude", Provider: ProviderOpenRouter},
	}

	t.Run("defaults to demo models", func(t *testing.T) {
		got := catalogModels(nil, "")
		assert.Equal(t, demoModels, got)
	})

	t.Run("configured models pass through", func(t *testing.T) {
		assert.Equal(t, configured, catalogModels(configured, ""))
	})

	t.Run("override reroutes without touching input", func(t *testing.T) {
		got := catalogModels(configured, ProviderEcho)
		require.Len(t, got, 2)
		for _, m := range got {
			assert.Equal(t, ProviderEcho, m.Provider)
		}
		assert.Equal(t, "openai/gpt-4o", got[0].UpstreamID)
		assert.Equal(t, ProviderOpenRouter, configured[0].Provider)
	})
}

func TestEnsureDir(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, ensureDir(":memory:"))
	require.NoError(t, ensureDir("compare.db"))
	require.NoError(t, ensureDir(filepath.Join(dir, "a", "b", "compare.db")))

	info, err := os.Stat(filepath.Join(dir, "a", "b"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFormatVersions(t *testing.T) {
	assert.Equal(t, "none", formatVersions(nil))
	assert.Equal(t, "2, 3", formatVersions([]int64{2, 3}))
}

func TestCancelRemote(t *testing.T) {
	var got map[string]string
	var gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/compare/cancel", r.URL.Path)
		gotUser = r.Header.Get(server.UserHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got["runId"] == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"run not found: missing","type":"not_found","code":"run_not_found"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	opts := &CancelOptions{ModelID: "alpha", UserID: "u1", Server: srv.URL + "/"}
	require.NoError(t, cancelRemote(t.Context(), opts, "run-1"))
	assert.Equal(t, map[string]string{"runId": "run-1", "modelId": "alpha"}, got)
	assert.Equal(t, "u1", gotUser)

	err := cancelRemote(t.Context(), opts, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_not_found")
}
