package progress

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/challenge-settler/internal/config"
)

func TestWakaTimeResolver_DailyThreshold(t *testing.T) {
	win := Window{
		Start: mustUnix(t, "2024-03-01T00:00:00Z"),
		End:   mustUnix(t, "2024-03-03T23:00:00Z"),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/current/summaries", r.URL.Path)
		require.Equal(t, "2024-03-01", r.URL.Query().Get("start"))
		require.Equal(t, "2024-03-03", r.URL.Query().Get("end"))

		auth := r.Header.Get("Authorization")
		expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("waka_key"))
		require.Equal(t, expected, auth)

		// 3h, 1h, 2h tracked across the three days.
		w.Write([]byte(`{"data":[
			{"grand_total":{"total_seconds":10800},"range":{"date":"2024-03-01"}},
			{"grand_total":{"total_seconds":3600},"range":{"date":"2024-03-02"}},
			{"grand_total":{"total_seconds":7200},"range":{"date":"2024-03-03"}}
		]}`))
	}))
	defer srv.Close()

	cfg := config.Config{WakaTimeBaseURL: srv.URL, RequestTimeout: 5 * time.Second}
	r := NewWakaTimeResolver(cfg, fakeCreds{tokens: map[string]string{"0xabc": "waka_key"}})

	// Goal of 2 hours per day: days one and three qualify.
	out := r.Resolve(context.Background(), []string{"0xABC"}, win, 2)
	require.NotNil(t, out["0xabc"])
	assert.InDelta(t, 2.0/3.0, *out["0xabc"], 1e-9)
}

func TestWakaTimeResolver_MissingKeyIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no remote call expected without a stored key")
	}))
	defer srv.Close()

	cfg := config.Config{WakaTimeBaseURL: srv.URL, RequestTimeout: 5 * time.Second}
	r := NewWakaTimeResolver(cfg, fakeCreds{tokens: map[string]string{}})

	win := Window{Start: mustUnix(t, "2024-03-01T00:00:00Z"), End: mustUnix(t, "2024-03-02T00:00:00Z")}
	out := r.Resolve(context.Background(), []string{"0xabc"}, win, 1)

	val, present := out["0xabc"]
	assert.True(t, present)
	assert.Nil(t, val)
}

func TestWakaTimeResolver_RemoteErrorIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := config.Config{WakaTimeBaseURL: srv.URL, RequestTimeout: 5 * time.Second}
	r := NewWakaTimeResolver(cfg, fakeCreds{tokens: map[string]string{"0xabc": "expired"}})

	win := Window{Start: mustUnix(t, "2024-03-01T00:00:00Z"), End: mustUnix(t, "2024-03-02T00:00:00Z")}
	out := r.Resolve(context.Background(), []string{"0xabc"}, win, 1)

	assert.Nil(t, out["0xabc"])
}

func TestWakaTimeResolver_CredentialLookupFailure(t *testing.T) {
	cfg := config.Config{WakaTimeBaseURL: "http://127.0.0.1:0", RequestTimeout: time.Second}
	r := NewWakaTimeResolver(cfg, fakeCreds{err: errors.New("store down")})

	win := Window{Start: mustUnix(t, "2024-03-01T00:00:00Z"), End: mustUnix(t, "2024-03-02T00:00:00Z")}
	out := r.Resolve(context.Background(), []string{"0xabc", "0xdef"}, win, 1)

	assert.Len(t, out, 2)
	assert.Nil(t, out["0xabc"])
	assert.Nil(t, out["0xdef"])
}
