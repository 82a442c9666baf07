// Package sshkeys fetches and validates a user's public keys for the
// AddUser handler and Create's github_user field. Key
// material is served the way GitHub serves it: a flat newline-separated
// list at <base>/<user>.keys. Parsing is grounded on
// golang.org/x/crypto/ssh, the pack's only imported crypto/ssh-adjacent
// dependency (wisbric-nightowl's go.mod carries golang.org/x/crypto).
package sshkeys

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Fetcher fetches and validates authorized keys for an external
// identifier.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client
	backoff    wait.Backoff
}

// NewFetcher builds a Fetcher against a key-server base URL, e.g.
// "https://github.com".
func NewFetcher(baseURL string) *Fetcher {
	return &Fetcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Exponential backoff on 404/5xx, give up after 3 attempts.
		backoff: wait.Backoff{Steps: 3, Duration: 500 * time.Millisecond, Factor: 2.0, Jitter: 0.1},
	}
}

// Fetch retrieves and validates every public key for identifier,
// discarding any line that does not parse as a valid authorized-key
// entry (malformed lines are dropped silently, not treated as fatal on
// their own: a partially valid key file still authorizes the user).
func (f *Fetcher) Fetch(ctx context.Context, identifier string) ([]string, error) {
	url := fmt.Sprintf("%s/%s.keys", f.baseURL, identifier)

	var body []byte
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, f.backoff, func(ctx context.Context) (bool, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			if attempt >= f.backoff.Steps {
				return false, fmt.Errorf("fetching keys for %s: %w", identifier, err)
			}
			return false, nil
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return false, fmt.Errorf("reading key response for %s: %w", identifier, err)
			}
			body = b
			return true, nil
		}
		if (resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500) && attempt < f.backoff.Steps {
			return false, nil
		}
		return false, fmt.Errorf("fetching keys for %s: unexpected status %d", identifier, resp.StatusCode)
	})
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("fetching keys for %s: exhausted retries", identifier)
	}

	return parseAuthorizedKeys(body), nil
}

func parseAuthorizedKeys(body []byte) []string {
	var valid []string
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err != nil {
			continue
		}
		valid = append(valid, line)
	}
	return valid
}
