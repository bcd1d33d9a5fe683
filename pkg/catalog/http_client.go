package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HTTPLookupClient talks to the catalog lookup service:
// GET {base}/v1/items/{referenceID} -> {"found": bool, "display_url": string}.
type HTTPLookupClient struct {
	baseURL string
	http    *http.Client
}

var _ LookupClient = &HTTPLookupClient{}

func NewHTTPLookupClient(baseURL string, timeout time.Duration) (*HTTPLookupClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("catalog: empty base url")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLookupClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type lookupResponse struct {
	Found      bool   `json:"found"`
	DisplayURL string `json:"display_url"`
}

func (c *HTTPLookupClient) Lookup(ctx context.Context, referenceID string) (ResolvedReference, error) {
	if c == nil || c.http == nil {
		return ResolvedReference{}, errors.New("catalog: lookup client is not initialized")
	}
	u := c.baseURL + "/v1/items/" + url.PathEscape(referenceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ResolvedReference{}, errors.Wrap(err, "catalog: build lookup request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ResolvedReference{}, errors.Wrap(err, "catalog: lookup request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ResolvedReference{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return ResolvedReference{}, errors.Errorf("catalog: lookup status %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// Malformed response surfaces as not found so the next mention retries.
		return ResolvedReference{}, ErrNotFound
	}
	if !body.Found || strings.TrimSpace(body.DisplayURL) == "" {
		return ResolvedReference{}, ErrNotFound
	}
	return ResolvedReference{ReferenceID: referenceID, DisplayURL: body.DisplayURL}, nil
}
