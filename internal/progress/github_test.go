package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/challenge-settler/internal/config"
	"github.com/yourorg/challenge-settler/internal/model"
)

func TestGitHubResolver_ContributionCalendar(t *testing.T) {
	win := Window{
		Start: mustUnix(t, "2024-03-01T00:00:00Z"),
		End:   mustUnix(t, "2024-03-07T23:59:59Z"),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer gh_token", r.Header.Get("Authorization"))

		var body struct {
			Variables map[string]string `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "2024-03-01T00:00:00Z", body.Variables["from"])

		// Contributions on 5 of the 7 days.
		w.Write([]byte(`{"data":{"viewer":{"contributionsCollection":{"contributionCalendar":{"weeks":[
			{"contributionDays":[
				{"date":"2024-03-01","contributionCount":2},
				{"date":"2024-03-02","contributionCount":1},
				{"date":"2024-03-03","contributionCount":0}
			]},
			{"contributionDays":[
				{"date":"2024-03-04","contributionCount":4},
				{"date":"2024-03-05","contributionCount":1},
				{"date":"2024-03-06","contributionCount":0},
				{"date":"2024-03-07","contributionCount":3}
			]}
		]}}}}}`))
	}))
	defer srv.Close()

	cfg := config.Config{GitHubGraphQLURL: srv.URL, RequestTimeout: 5 * time.Second}
	r := NewGitHubResolver(cfg, fakeCreds{tokens: map[string]string{"0xabc": "gh_token"}})

	out := r.Resolve(context.Background(), []string{"0xABC"}, win, 1)
	require.NotNil(t, out["0xabc"])
	assert.InDelta(t, 5.0/7.0, *out["0xabc"], 1e-9)
}

func TestGitHubResolver_GraphQLErrorIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"Bad credentials"}]}`))
	}))
	defer srv.Close()

	cfg := config.Config{GitHubGraphQLURL: srv.URL, RequestTimeout: 5 * time.Second}
	r := NewGitHubResolver(cfg, fakeCreds{tokens: map[string]string{"0xabc": "expired"}})

	win := Window{Start: mustUnix(t, "2024-03-01T00:00:00Z"), End: mustUnix(t, "2024-03-02T00:00:00Z")}
	out := r.Resolve(context.Background(), []string{"0xabc"}, win, 1)

	assert.Nil(t, out["0xabc"])
}

func TestGitHubResolver_MissingTokenIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no remote call expected without a stored token")
	}))
	defer srv.Close()

	cfg := config.Config{GitHubGraphQLURL: srv.URL, RequestTimeout: 5 * time.Second}
	r := NewGitHubResolver(cfg, fakeCreds{tokens: map[string]string{}})

	win := Window{Start: mustUnix(t, "2024-03-01T00:00:00Z"), End: mustUnix(t, "2024-03-02T00:00:00Z")}
	out := r.Resolve(context.Background(), []string{"0xabc"}, win, 1)

	val, present := out["0xabc"]
	assert.True(t, present)
	assert.Nil(t, val)
}

func TestNew_UnknownActivityResolvesAllUnknown(t *testing.T) {
	r := New(config.Config{}, model.ActivityType("step-count"), fakeCreds{})
	_, ok := r.(UnknownResolver)
	require.True(t, ok)

	out := r.Resolve(context.Background(), []string{"0xA", "0xB"}, Window{}, 1)
	assert.Len(t, out, 2)
	assert.Nil(t, out["0xa"])
	assert.Nil(t, out["0xb"])
}
