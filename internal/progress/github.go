package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/challenge-settler/internal/breaker"
	"github.com/yourorg/challenge-settler/internal/config"
	"github.com/yourorg/challenge-settler/internal/model"
	"github.com/yourorg/challenge-settler/internal/store"
)

// GitHubResolver counts code contributions per UTC day via the GitHub
// GraphQL API. Each address needs a previously stored access token; an
// address without one resolves to unknown.
type GitHubResolver struct {
	graphqlURL string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *breaker.Breaker
	creds      store.CredentialStore
}

// NewGitHubResolver creates a new GitHub contribution resolver.
func NewGitHubResolver(cfg config.Config, creds store.CredentialStore) *GitHubResolver {
	return &GitHubResolver{
		graphqlURL: cfg.GitHubGraphQLURL,
		httpClient: newRetryClient(cfg.RequestTimeout),
		limiter:    newProviderLimiter(),
		breaker:    breaker.New("github"),
		creds:      creds,
	}
}

const contributionsQuery = `query($from: DateTime!, $to: DateTime!) {
  viewer {
    contributionsCollection(from: $from, to: $to) {
      contributionCalendar {
        weeks {
          contributionDays {
            date
            contributionCount
          }
        }
      }
    }
  }
}`

// Resolve fetches each participant's contribution calendar for the window
// and applies the daily threshold rule.
func (r *GitHubResolver) Resolve(ctx context.Context, addresses []string, win Window, goalAmount int64) map[string]*float64 {
	out := make(map[string]*float64, len(addresses))
	for _, a := range addresses {
		out[normalizeAddress(a)] = nil
	}

	tokens, err := r.creds.AccessTokens(ctx, string(model.ActivityGitHub), addresses)
	if err != nil {
		logrus.Warnf("GitHub token lookup failed, all participants unknown: %v", err)
		return out
	}

	for addr := range out {
		token, ok := tokens[addr]
		if !ok || token == "" {
			logrus.Debugf("No GitHub token for %s", addr)
			continue
		}
		counts, err := r.dailyContributions(ctx, token, win)
		if err != nil {
			logrus.Warnf("GitHub contributions for %s unavailable: %v", addr, err)
			continue
		}
		ratio := ratioFromDaily(counts, win, goalAmount)
		out[addr] = &ratio
	}
	return out
}

func (r *GitHubResolver) dailyContributions(ctx context.Context, token string, win Window) (map[string]int64, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query": contributionsQuery,
		"variables": map[string]string{
			"from": time.Unix(win.Start, 0).UTC().Format(time.RFC3339),
			"to":   time.Unix(win.End, 0).UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := guardedDo(ctx, r.httpClient, r.limiter, r.breaker, req)
	if err != nil {
		return nil, fmt.Errorf("error querying GitHub: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("github circuit open")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GitHub API error: status %d, body: %s", resp.StatusCode, string(raw))
	}

	var response struct {
		Data struct {
			Viewer struct {
				ContributionsCollection struct {
					ContributionCalendar struct {
						Weeks []struct {
							ContributionDays []struct {
								Date              string `json:"date"`
								ContributionCount int64  `json:"contributionCount"`
							} `json:"contributionDays"`
						} `json:"weeks"`
					} `json:"contributionCalendar"`
				} `json:"contributionsCollection"`
			} `json:"viewer"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("GitHub GraphQL error: %s", response.Errors[0].Message)
	}

	counts := make(map[string]int64)
	for _, week := range response.Data.Viewer.ContributionsCollection.ContributionCalendar.Weeks {
		for _, day := range week.ContributionDays {
			counts[day.Date] += day.ContributionCount
		}
	}
	return counts, nil
}
