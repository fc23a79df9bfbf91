package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/praveen-singh01/whatsapp-automation/pkg/logx"
)

// CredentialProvider yields the current provider credential. Implementations
// must reflect out-of-band refreshes; callers fetch per call and never cache.
type CredentialProvider interface {
	Current(ctx context.Context) (string, error)
}

// Static is a fixed token, for deployments using long-lived credentials.
type Static string

func (s Static) Current(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("delivery: empty static credential")
	}
	return string(s), nil
}

// Refresher keeps a short-lived token fresh by polling a token endpoint on
// its own lifecycle. Current always serves the latest refreshed value.
type Refresher struct {
	url      string
	interval time.Duration
	hc       *http.Client
	log      logx.Logger

	mu    sync.RWMutex
	token string

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewRefresher(tokenURL string, interval time.Duration, seed string, log logx.Logger) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Refresher{
		url:      tokenURL,
		interval: interval,
		hc:       &http.Client{Timeout: 15 * time.Second},
		log:      log,
		token:    seed,
	}
}

func (r *Refresher) Current(context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.token == "" {
		return "", errors.New("delivery: no credential available yet")
	}
	return r.token, nil
}

func (r *Refresher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		// Refresh once up front so a stale seed does not linger a full
		// interval.
		r.refresh(runCtx)
		t := time.NewTicker(r.interval)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				r.refresh(runCtx)
			}
		}
	}()
}

func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		if r.done != nil {
			<-r.done
		}
	})
}

func (r *Refresher) refresh(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, nil)
	if err != nil {
		r.log.Warn("credential refresh request build failed", logx.Err(err))
		return
	}
	resp, err := r.hc.Do(req)
	if err != nil {
		r.log.Warn("credential refresh failed; keeping previous token", logx.Err(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.log.Warn("credential refresh rejected; keeping previous token", logx.Int("status", resp.StatusCode))
		return
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.AccessToken == "" {
		r.log.Warn("credential refresh response unusable; keeping previous token", logx.Err(err))
		return
	}

	r.mu.Lock()
	r.token = body.AccessToken
	r.mu.Unlock()
	r.log.Debug("credential refreshed", logx.Int64("expires_in", body.ExpiresIn))
}
