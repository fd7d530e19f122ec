package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/italolelis/neos_updater/internal/logctx"
)

// Manifest is the remotely fetched update descriptor. The OS image fields are
// mandatory; the recovery fields may be absent together, which means the
// recovery partition is left untouched.
type Manifest struct {
	OTAURL       string `json:"ota_url"`
	OTAHash      string `json:"ota_hash"`
	RecoveryURL  string `json:"recovery_url"`
	RecoveryHash string `json:"recovery_hash"`
	RecoveryLen  int64  `json:"recovery_len"`
}

// HasRecovery reports whether the manifest describes a recovery image.
func (m *Manifest) HasRecovery() bool {
	return m.RecoveryURL != "" && m.RecoveryHash != "" && m.RecoveryLen != 0
}

// Reason classifies why a manifest could not be used.
type Reason int

const (
	// Unreachable means the manifest could not be fetched at the transport level.
	Unreachable Reason = iota
	// Malformed means the body did not decode as the expected structure.
	Malformed
	// Incomplete means the decoded manifest misses a mandatory field.
	Incomplete
)

func (r Reason) String() string {
	switch r {
	case Unreachable:
		return "unreachable"
	case Malformed:
		return "malformed"
	case Incomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// Error represents a manifest that could not be fetched or used.
type Error struct {
	URL    string // Source URL of the manifest
	Reason Reason // Classification of the failure
	Err    error  // Underlying error, if any
}

func (e *Error) Error() string {
	return fmt.Sprintf("manifest %s: %s", e.Reason, e.URL)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fetcher retrieves update manifests over HTTP. It performs a single GET with
// a fixed user agent and no retry; retrying is the caller's call.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

func NewFetcher(client *http.Client, userAgent string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}

	return &Fetcher{client: client, userAgent: userAgent}
}

// Fetch downloads and decodes the manifest at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Manifest, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{URL: url, Reason: Unreachable, Err: err}
	}

	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{URL: url, Reason: Unreachable, Err: err}
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{URL: url, Reason: Unreachable, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, &Error{URL: url, Reason: Malformed, Err: err}
	}

	if m.OTAURL == "" || m.OTAHash == "" {
		return nil, &Error{URL: url, Reason: Incomplete}
	}

	logger.Debug("fetched manifest", "url", url, "ota_url", m.OTAURL, "has_recovery", m.HasRecovery())

	return &m, nil
}
