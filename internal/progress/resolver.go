// Package progress resolves per-participant goal-completion ratios from
// external activity providers. A resolver never fails a whole batch: any
// per-address problem degrades that address to an unknown (nil) ratio.
package progress

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/challenge-settler/internal/breaker"
	"github.com/yourorg/challenge-settler/internal/config"
	"github.com/yourorg/challenge-settler/internal/model"
	"github.com/yourorg/challenge-settler/internal/store"
)

// Resolver computes completion ratios for a batch of addresses over a
// window. The result maps lowercased address to a ratio in [0,1], or nil
// when the ratio could not be determined.
type Resolver interface {
	Resolve(ctx context.Context, addresses []string, win Window, goalAmount int64) map[string]*float64
}

// New creates the resolver strategy for an activity type. Unrecognized
// activity types get a resolver that reports everything unknown.
func New(cfg config.Config, activity model.ActivityType, creds store.CredentialStore) Resolver {
	switch activity {
	case model.ActivityGitHub:
		return NewGitHubResolver(cfg, creds)
	case model.ActivityFarcaster:
		return NewFarcasterResolver(cfg, creds)
	case model.ActivityWakaTime:
		return NewWakaTimeResolver(cfg, creds)
	default:
		return UnknownResolver{}
	}
}

// UnknownResolver resolves every address to unknown. It backs activity
// types the settler does not recognize.
type UnknownResolver struct{}

// Resolve returns a nil ratio for every address.
func (UnknownResolver) Resolve(_ context.Context, addresses []string, _ Window, _ int64) map[string]*float64 {
	out := make(map[string]*float64, len(addresses))
	for _, a := range addresses {
		out[normalizeAddress(a)] = nil
	}
	return out
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient(timeout time.Duration) *http.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	return c.StandardClient()
}

// newProviderLimiter bounds outbound request rate per provider.
func newProviderLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(5), 10)
}

// guardedDo runs one remote request through the limiter and breaker.
// A nil response with nil error means the circuit is open.
func guardedDo(ctx context.Context, client *http.Client, limiter *rate.Limiter, brk *breaker.Breaker, req *http.Request) (*http.Response, error) {
	if !brk.Allow() {
		logrus.Debug("Provider circuit open, skipping remote call")
		return nil, nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := client.Do(req.WithContext(ctx))
	brk.Record(err == nil && resp != nil && resp.StatusCode < http.StatusInternalServerError)
	return resp, err
}

func normalizeAddress(a string) string {
	return strings.ToLower(a)
}
