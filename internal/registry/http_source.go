// ABOUTME: Registry source that reads tool rows from a REST endpoint.
// ABOUTME: The service credential is sent as a bearer token and checked for expiry before use.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingCredential indicates no registry credential is configured.
var ErrMissingCredential = errors.New("registry credential not configured")

// ErrCredentialExpired indicates the registry credential is a JWT whose exp has passed.
var ErrCredentialExpired = errors.New("registry credential expired")

// toolRow is the JSON shape of one registry row.
type toolRow struct {
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	HandlerRef  string          `json:"handler_ref"`
	Enabled     *bool           `json:"enabled"`
}

// HTTPSource fetches the tool list with a GET request returning a JSON array.
type HTTPSource struct {
	url        string
	credential string
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewHTTPSource creates a source for url. A zero timeout means 10 seconds.
func NewHTTPSource(url, credential string, timeout time.Duration, logger *slog.Logger) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{
		url:        url,
		credential: credential,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Name implements Source.
func (s *HTTPSource) Name() string { return "http" }

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) ([]*Entry, error) {
	if err := checkCredential(s.credential, s.now()); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.credential)
	req.Header.Set("apikey", s.credential)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("registry returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rows []toolRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding registry response: %w", err)
	}

	return entriesFromRows(rows, s.logger), nil
}

// entriesFromRows converts rows into entries, skipping disabled and unnamed
// rows. Tools whose schema does not compile are kept without validation.
func entriesFromRows(rows []toolRow, logger *slog.Logger) []*Entry {
	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		if row.Name == "" {
			continue
		}
		if row.Enabled != nil && !*row.Enabled {
			continue
		}
		e, err := NewEntry(row.Name, row.Category, row.Description, row.InputSchema, row.HandlerRef)
		if err != nil {
			logger.Warn("tool input schema rejected, validation disabled", "tool", row.Name, "error", err)
		}
		entries = append(entries, e)
	}
	return entries
}

// checkCredential rejects a missing credential and a JWT credential whose
// exp claim is in the past. Opaque credentials are accepted as-is; the
// signature is the registry's to verify.
func checkCredential(credential string, now time.Time) error {
	if credential == "" {
		return ErrMissingCredential
	}
	if strings.Count(credential, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return fmt.Errorf("registry credential is not a valid token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("registry credential has invalid exp: %w", err)
	}
	if exp != nil && now.After(exp.Time) {
		return fmt.Errorf("%w at %s", ErrCredentialExpired, exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
