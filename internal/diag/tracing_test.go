package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/mcpchat/internal/credentials"
	"github.com/danshapiro/mcpchat/internal/tracing"
)

const testKey = "lsv2_pt_0123456789abcdef"

func langsmithKey(v string, src credentials.Source) credentials.Record {
	return credentials.Record{Name: "LANGSMITH_API_KEY", Provider: "langsmith", Value: v, Source: src}
}

// fakeLangSmith serves /sessions with the given status and project list and
// records created projects.
func fakeLangSmith(t *testing.T, status int, projects []tracing.Project) (*httptest.Server, *[]string) {
	t.Helper()
	var created []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sessions" && r.Method == http.MethodGet:
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(projects)
		case r.URL.Path == "/sessions" && r.Method == http.MethodPost:
			var p tracing.Project
			_ = json.NewDecoder(r.Body).Decode(&p)
			created = append(created, p.Name)
			_ = json.NewEncoder(w).Encode(p)
		default:
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &created
}

func clientFor(srv *httptest.Server) *tracing.Client {
	return tracing.NewClientWithHTTPClient(tracing.Settings{Endpoint: srv.URL, APIKey: testKey}, srv.Client(), nil)
}

func TestValidateKeyProbe_CreatesMissingProject(t *testing.T) {
	srv, created := fakeLangSmith(t, http.StatusOK, []tracing.Project{{ID: "1", Name: "other"}})
	p := &ValidateKeyProbe{
		Key:      langsmithKey(testKey, credentials.SourceEnv),
		Settings: tracing.Settings{Project: "mcp-chat"},
		Client:   clientFor(srv),
	}
	res := byName(p.Run(context.Background()))
	assert.Equal(t, StatusPass, res["key"].Status)
	assert.Equal(t, StatusPass, res["auth"].Status)
	assert.Equal(t, []string{"other"}, res["projects"].Details["names"])
	assert.Equal(t, `created "mcp-chat"`, res["project"].Message)
	assert.Equal(t, []string{"mcp-chat"}, *created)
}

func TestValidateKeyProbe_ExistingProject(t *testing.T) {
	srv, created := fakeLangSmith(t, http.StatusOK, []tracing.Project{{ID: "1", Name: "mcp-chat"}})
	p := &ValidateKeyProbe{Key: langsmithKey(testKey, credentials.SourceFile), Settings: tracing.Settings{Project: "mcp-chat"}, Client: clientFor(srv)}
	res := byName(p.Run(context.Background()))
	assert.Equal(t, StatusPass, res["project"].Status)
	assert.Contains(t, res["project"].Message, "already exists")
	assert.Empty(t, *created)
}

func TestValidateKeyProbe_Forbidden(t *testing.T) {
	srv, _ := fakeLangSmith(t, http.StatusForbidden, nil)
	p := &ValidateKeyProbe{Key: langsmithKey(testKey, credentials.SourceEnv), Settings: tracing.Settings{Project: "x"}, Client: clientFor(srv)}
	rs := p.Run(context.Background())
	res := byName(rs)
	assert.Equal(t, StatusFail, res["auth"].Status)
	assert.Len(t, res["auth"].Hints, 2)
	assert.Equal(t, StatusFail, res["projects"].Status)
	assert.Equal(t, "projects", rs[len(rs)-1].Name)
}

func TestValidateKeyProbe_MissingKey(t *testing.T) {
	p := &ValidateKeyProbe{Key: langsmithKey("lsv2-placeholder-langsmith-key", credentials.SourcePlaceholder)}
	rs := p.Run(context.Background())
	require.Len(t, rs, 1)
	assert.Equal(t, StatusFail, rs[0].Status)
}

func TestValidateKeyProbe_MalformedKeyWarns(t *testing.T) {
	srv, _ := fakeLangSmith(t, http.StatusOK, nil)
	p := &ValidateKeyProbe{Key: langsmithKey("sk-not-a-langsmith-key", credentials.SourceEnv), Settings: tracing.Settings{Project: "x"}, Client: clientFor(srv)}
	res := byName(p.Run(context.Background()))
	assert.Equal(t, StatusWarn, res["key"].Status)
}

func TestTracingProbe(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		p := &TracingProbe{Settings: tracing.Settings{Reason: "no valid LangSmith API key", Project: "p"}}
		rs := p.Run(context.Background())
		require.Len(t, rs, 1)
		assert.Equal(t, StatusWarn, rs[0].Status)
		assert.Contains(t, rs[0].Message, "no valid LangSmith API key")
	})

	t.Run("connected", func(t *testing.T) {
		srv, _ := fakeLangSmith(t, http.StatusOK, []tracing.Project{{Name: "a"}, {Name: "b"}})
		p := &TracingProbe{Settings: tracing.Settings{Enabled: true, Project: "a"}, Client: clientFor(srv)}
		rs := p.Run(context.Background())
		require.Len(t, rs, 1)
		assert.Equal(t, StatusPass, rs[0].Status)
		assert.Equal(t, "connected via projects", rs[0].Message)
		assert.Equal(t, 2, rs[0].Details["projects"])
	})

	t.Run("unauthorized carries a hint", func(t *testing.T) {
		srv, _ := fakeLangSmith(t, http.StatusUnauthorized, nil)
		p := &TracingProbe{Settings: tracing.Settings{Enabled: true}, Client: clientFor(srv)}
		rs := p.Run(context.Background())
		require.Len(t, rs, 1)
		assert.Equal(t, StatusFail, rs[0].Status)
		assert.Equal(t, []string{"the API key is wrong"}, rs[0].Hints)
	})
}
