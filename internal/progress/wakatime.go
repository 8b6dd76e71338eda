package progress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/challenge-settler/internal/breaker"
	"github.com/yourorg/challenge-settler/internal/config"
	"github.com/yourorg/challenge-settler/internal/model"
	"github.com/yourorg/challenge-settler/internal/store"
)

// WakaTimeResolver counts tracked hours per UTC day via the WakaTime
// summaries API. Each address needs a stored API key; the key is sent as
// HTTP Basic auth per the WakaTime convention.
type WakaTimeResolver struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *breaker.Breaker
	creds      store.CredentialStore
}

// NewWakaTimeResolver creates a new WakaTime tracked-time resolver.
func NewWakaTimeResolver(cfg config.Config, creds store.CredentialStore) *WakaTimeResolver {
	return &WakaTimeResolver{
		baseURL:    strings.TrimRight(cfg.WakaTimeBaseURL, "/"),
		httpClient: newRetryClient(cfg.RequestTimeout),
		limiter:    newProviderLimiter(),
		breaker:    breaker.New("wakatime"),
		creds:      creds,
	}
}

// Resolve fetches each participant's daily summaries for the window and
// applies the daily threshold rule, with goalAmount read as hours per day.
func (r *WakaTimeResolver) Resolve(ctx context.Context, addresses []string, win Window, goalAmount int64) map[string]*float64 {
	out := make(map[string]*float64, len(addresses))
	for _, a := range addresses {
		out[normalizeAddress(a)] = nil
	}

	keys, err := r.creds.AccessTokens(ctx, string(model.ActivityWakaTime), addresses)
	if err != nil {
		logrus.Warnf("WakaTime key lookup failed, all participants unknown: %v", err)
		return out
	}

	for addr := range out {
		key, ok := keys[addr]
		if !ok || key == "" {
			logrus.Debugf("No WakaTime key for %s", addr)
			continue
		}
		hours, err := r.dailyHours(ctx, key, win)
		if err != nil {
			logrus.Warnf("WakaTime summaries for %s unavailable: %v", addr, err)
			continue
		}
		ratio := ratioFromDaily(hours, win, goalAmount)
		out[addr] = &ratio
	}
	return out
}

// dailyHours returns whole tracked hours per UTC date key, floored so a
// day only counts once a full goal-hour is on record.
func (r *WakaTimeResolver) dailyHours(ctx context.Context, apiKey string, win Window) (map[string]int64, error) {
	endpoint := fmt.Sprintf("%s/users/current/summaries?start=%s&end=%s",
		r.baseURL,
		url.QueryEscape(time.Unix(win.Start, 0).UTC().Format(dayKeyLayout)),
		url.QueryEscape(time.Unix(win.End, 0).UTC().Format(dayKeyLayout)))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(apiKey)))
	req.Header.Set("Accept", "application/json")

	resp, err := guardedDo(ctx, r.httpClient, r.limiter, r.breaker, req)
	if err != nil {
		return nil, fmt.Errorf("error querying WakaTime: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("wakatime circuit open")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("WakaTime API error: status %d, body: %s", resp.StatusCode, string(raw))
	}

	var response struct {
		Data []struct {
			GrandTotal struct {
				TotalSeconds float64 `json:"total_seconds"`
			} `json:"grand_total"`
			Range struct {
				Date string `json:"date"`
			} `json:"range"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	hours := make(map[string]int64, len(response.Data))
	for _, day := range response.Data {
		if day.Range.Date == "" {
			continue
		}
		hours[day.Range.Date] = int64(day.GrandTotal.TotalSeconds / 3600)
	}
	return hours, nil
}
