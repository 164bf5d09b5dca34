package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/protocol"
)

const defaultPollInterval = 5 * time.Second

// Browser lists joinable sessions over HTTP. It keeps no state between polls.
type Browser struct {
	base     string
	http     *http.Client
	interval time.Duration
}

// NewBrowser takes the base URL of the API, e.g. http://localhost:8080.
func NewBrowser(baseURL string, interval time.Duration) *Browser {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Browser{
		base:     strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 10 * time.Second},
		interval: interval,
	}
}

func (b *Browser) List(ctx context.Context) ([]protocol.SessionSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("browser: %w", err)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser: list sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errors.Error
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Message != "" {
			return nil, &e
		}
		return nil, fmt.Errorf("browser: list sessions: status %d", resp.StatusCode)
	}

	var list protocol.SessionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("browser: decode sessions: %w", err)
	}

	return list.Sessions, nil
}

// Poll lists sessions right away and then on every interval until ctx is done.
func (b *Browser) Poll(ctx context.Context, fn func([]protocol.SessionSummary, error)) {
	t := time.NewTicker(b.interval)
	defer t.Stop()

	for {
		fn(b.List(ctx))

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
