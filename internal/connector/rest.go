package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"memloop/internal/secrets"
)

// Secret-store keys the REST connector is configured from. The base URL
// holds one %s placeholder for the external id.
const (
	RESTBaseURLKey = "rest_base_url"
	RESTAPIKeyKey  = "rest_api_key"
)

const restTimeout = 30 * time.Second

// REST fetches JSON documents from an HTTP API. Error messages carry status
// codes only; the configured URL and key come from the secret store and must
// not leak into errors or logs.
type REST struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewREST builds the connector from per-vault secrets.
func NewREST(store *secrets.Store) Connector {
	baseURL, _ := store.Get(RESTBaseURLKey)
	apiKey, _ := store.Get(RESTAPIKeyKey)

	return &REST{
		client:  &http.Client{Timeout: restTimeout},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// Name implements Connector.
func (r *REST) Name() string { return "rest" }

// FetchByID implements Connector.
func (r *REST) FetchByID(ctx context.Context, id string) (Response, error) {
	if r.baseURL == "" || !strings.Contains(r.baseURL, "%s") {
		return nil, NewPermanent("rest connector: base url not configured", nil)
	}

	endpoint := fmt.Sprintf(r.baseURL, url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewPermanent("rest connector: build request", err)
	}

	req.Header.Set("Accept", "application/json")

	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		// Transport errors are assumed transient; the URL stays out of
		// the message.
		return nil, NewRetriable("rest connector: request failed", nil)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, NewRetriable(fmt.Sprintf("rest connector: http %d", resp.StatusCode), nil)

	default:
		return nil, NewPermanent(fmt.Sprintf("rest connector: http %d", resp.StatusCode), nil)
	}

	var response Response

	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return nil, NewPermanent("rest connector: decode response", err)
	}

	return response, nil
}

// ExtractFields implements Connector.
func (r *REST) ExtractFields(response Response, sources []string) map[string]any {
	return StaticFields(response, sources)
}
