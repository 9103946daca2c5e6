// Package ownership enforces the single-relay-per-port rule: a starting relay
// either binds its port or evicts the relay already holding it.
package ownership

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v5"
)

const (
	probeTimeout  = time.Second
	evictAttempts = 25
	evictDelay    = 200 * time.Millisecond
)

// Claim binds host:port. When the port is held by another relay, that relay
// is asked to shut down over its HTTP surface and the bind retries until the
// port frees up. A non-relay holder is an error.
func Claim(ctx context.Context, logger *slog.Logger, host string, port int) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}

	client := &http.Client{Timeout: probeTimeout}
	base := "http://" + addr
	if !isRelay(ctx, client, base) {
		return nil, fmt.Errorf("port %d is held by another process: %w", port, err)
	}

	logger.Info("evicting relay holding the port", "addr", addr)
	req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, base+"/shutdown", nil)
	if rerr != nil {
		return nil, rerr
	}
	if resp, rerr := client.Do(req); rerr == nil {
		resp.Body.Close()
	}

	var out net.Listener
	err = retry.New(
		retry.Attempts(evictAttempts),
		retry.Delay(evictDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		l, lerr := net.Listen("tcp", addr)
		if lerr != nil {
			return lerr
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("port %d not released after eviction: %w", port, err)
	}
	logger.Info("port claimed after eviction", "addr", addr)
	return out, nil
}

// isRelay checks whether the port holder answers the relay version endpoint.
func isRelay(ctx context.Context, client *http.Client, base string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/version", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return false
	}
	return v.Version != ""
}
