package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/challenge-settler/internal/breaker"
	"github.com/yourorg/challenge-settler/internal/config"
	"github.com/yourorg/challenge-settler/internal/model"
	"github.com/yourorg/challenge-settler/internal/store"
)

// maxCastPages bounds feed pagination per participant.
const maxCastPages = 10

// FarcasterResolver counts casts per UTC day via the Neynar API. A stored
// credential is optional: if present and numeric it is used directly as
// the fid, otherwise the fid is resolved from the wallet address.
type FarcasterResolver struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *breaker.Breaker
	creds      store.CredentialStore
}

// NewFarcasterResolver creates a new Farcaster cast resolver.
func NewFarcasterResolver(cfg config.Config, creds store.CredentialStore) *FarcasterResolver {
	return &FarcasterResolver{
		baseURL:    strings.TrimRight(cfg.NeynarBaseURL, "/"),
		apiKey:     cfg.NeynarAPIKey,
		httpClient: newRetryClient(cfg.RequestTimeout),
		limiter:    newProviderLimiter(),
		breaker:    breaker.New("farcaster"),
		creds:      creds,
	}
}

// Resolve maps each address to a fid, paginates its chronological cast
// feed across the window, and applies the daily threshold rule.
func (r *FarcasterResolver) Resolve(ctx context.Context, addresses []string, win Window, goalAmount int64) map[string]*float64 {
	out := make(map[string]*float64, len(addresses))
	for _, a := range addresses {
		out[normalizeAddress(a)] = nil
	}

	tokens, err := r.creds.AccessTokens(ctx, string(model.ActivityFarcaster), addresses)
	if err != nil {
		logrus.Warnf("Farcaster token lookup failed, falling back to address resolution: %v", err)
		tokens = map[string]string{}
	}

	fids := make(map[string]int64, len(out))
	var unresolved []string
	for addr := range out {
		if fid, ok := numericToken(tokens[addr]); ok {
			fids[addr] = fid
			continue
		}
		unresolved = append(unresolved, addr)
	}

	if len(unresolved) > 0 {
		bulk, err := r.fidsByAddress(ctx, unresolved)
		if err != nil {
			logrus.Warnf("Farcaster bulk address lookup failed: %v", err)
			bulk = map[string]int64{}
		}
		for _, addr := range unresolved {
			if fid, ok := bulk[addr]; ok {
				fids[addr] = fid
				continue
			}
			if fid, err := r.fidByVerification(ctx, addr); err == nil {
				fids[addr] = fid
			} else {
				logrus.Debugf("No fid for %s: %v", addr, err)
			}
		}
	}

	for addr, fid := range fids {
		counts, err := r.dailyCasts(ctx, fid, win)
		if err != nil {
			logrus.Warnf("Farcaster casts for fid %d unavailable: %v", fid, err)
			continue
		}
		ratio := ratioFromDaily(counts, win, goalAmount)
		out[addr] = &ratio
	}
	return out
}

// numericToken treats an all-digit stored credential as a fid.
func numericToken(token string) (int64, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, false
	}
	fid, err := strconv.ParseInt(token, 10, 64)
	if err != nil || fid <= 0 {
		return 0, false
	}
	return fid, true
}

// fidsByAddress resolves fids for many addresses in one bulk call.
func (r *FarcasterResolver) fidsByAddress(ctx context.Context, addresses []string) (map[string]int64, error) {
	endpoint := fmt.Sprintf("%s/v2/farcaster/user/bulk-by-address?addresses=%s",
		r.baseURL, url.QueryEscape(strings.Join(addresses, ",")))

	var response map[string][]struct {
		Fid int64 `json:"fid"`
	}
	if err := r.getJSON(ctx, endpoint, &response); err != nil {
		return nil, err
	}

	fids := make(map[string]int64, len(response))
	for addr, users := range response {
		if len(users) > 0 && users[0].Fid > 0 {
			fids[strings.ToLower(addr)] = users[0].Fid
		}
	}
	return fids, nil
}

// fidByVerification is the per-address fallback lookup.
func (r *FarcasterResolver) fidByVerification(ctx context.Context, address string) (int64, error) {
	endpoint := fmt.Sprintf("%s/v2/farcaster/user/by_verification?address=%s",
		r.baseURL, url.QueryEscape(address))

	var response struct {
		User struct {
			Fid int64 `json:"fid"`
		} `json:"user"`
	}
	if err := r.getJSON(ctx, endpoint, &response); err != nil {
		return 0, err
	}
	if response.User.Fid <= 0 {
		return 0, fmt.Errorf("no verification for %s", address)
	}
	return response.User.Fid, nil
}

// dailyCasts paginates the fid's chronological feed newest-first, stopping
// once casts fall before the window start or the page cap is reached.
func (r *FarcasterResolver) dailyCasts(ctx context.Context, fid int64, win Window) (map[string]int64, error) {
	counts := make(map[string]int64)
	cursor := ""

	for page := 0; page < maxCastPages; page++ {
		endpoint := fmt.Sprintf("%s/v2/farcaster/feed/user/casts?fid=%d&limit=100", r.baseURL, fid)
		if cursor != "" {
			endpoint += "&cursor=" + url.QueryEscape(cursor)
		}

		var response struct {
			Casts []struct {
				Timestamp json.RawMessage `json:"timestamp"`
			} `json:"casts"`
			Next struct {
				Cursor string `json:"cursor"`
			} `json:"next"`
		}
		if err := r.getJSON(ctx, endpoint, &response); err != nil {
			return nil, err
		}
		if len(response.Casts) == 0 {
			break
		}

		pastWindow := false
		for _, cast := range response.Casts {
			ts, err := parseCastTimestamp(cast.Timestamp)
			if err != nil {
				logrus.Debugf("Unparseable cast timestamp %s: %v", string(cast.Timestamp), err)
				continue
			}
			if ts.Unix() < win.Start {
				pastWindow = true
				continue
			}
			if win.Contains(ts) {
				counts[dayKey(ts)]++
			}
		}
		if pastWindow || response.Next.Cursor == "" {
			break
		}
		cursor = response.Next.Cursor
	}
	return counts, nil
}

// parseCastTimestamp accepts ISO-8601 strings, integer Unix seconds, or
// integer milliseconds. Magnitudes above 1e12 are milliseconds.
func parseCastTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", s)
}

func (r *FarcasterResolver) getJSON(ctx context.Context, endpoint string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("api_key", r.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := guardedDo(ctx, r.httpClient, r.limiter, r.breaker, req)
	if err != nil {
		return fmt.Errorf("error querying Neynar: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("farcaster circuit open")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Neynar API error: status %d, body: %s", resp.StatusCode, string(raw))
	}
	return json.NewDecoder(resp.Body).Decode(into)
}
