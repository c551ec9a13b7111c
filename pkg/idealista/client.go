// Package idealista is a client for the Idealista listings API served through RapidAPI.
package idealista

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/idealista-analytics/pipeline/internal/resilience"
)

const (
	defaultBaseURL = "https://idealista7.p.rapidapi.com"
	defaultHost    = "idealista7.p.rapidapi.com"

	// DefaultPageSize is the largest page the listings endpoint serves.
	DefaultPageSize = 40
)

// Client performs Idealista listings API operations.
type Client interface {
	ListHomes(ctx context.Context, req ListHomesRequest) (*ListHomesResponse, error)
}

// ListHomesRequest selects one page of listings for a location.
type ListHomesRequest struct {
	LocationID   string
	LocationName string
	Page         int
}

// ListHomesResponse is one page of the listhomes endpoint. TotalPages is nil
// when the API omits the field.
type ListHomesResponse struct {
	TotalPages  *int             `json:"totalPages"`
	ElementList []map[string]any `json:"elementList"`
}

// PageCount returns the reported page total, defaulting to 1 when absent.
func (r *ListHomesResponse) PageCount() int {
	if r.TotalPages == nil {
		return 1
	}
	return *r.TotalPages
}

// Filters are the fixed query parameters sent with every page request.
type Filters struct {
	Order     string
	Operation string
	PageSize  int
	Country   string
	Locale    string
	SinceDate string
}

// DefaultFilters mirrors the query the analytics team has always pulled:
// relevance-ordered sales in Spain published in the last month.
func DefaultFilters() Filters {
	return Filters{
		Order:     "relevance",
		Operation: "sale",
		PageSize:  DefaultPageSize,
		Country:   "es",
		Locale:    "es",
		SinceDate: "M",
	}
}

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "idealista: unexpected status " + strconv.Itoa(e.StatusCode) + ": " + e.Body
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHost overrides the x-rapidapi-host header.
func WithHost(host string) Option {
	return func(c *httpClient) {
		c.host = host
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout. A client passed to
// WithHTTPClient is copied, never modified.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithFilters overrides the fixed query parameters.
func WithFilters(f Filters) Option {
	return func(c *httpClient) {
		c.filters = f
	}
}

type httpClient struct {
	apiKey  string
	host    string
	baseURL string
	filters Filters
	timeout time.Duration
	http    *http.Client
}

// NewClient creates an Idealista API client. An empty apiKey is accepted;
// the API rejects such requests and the caller sees the status error.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		host:    defaultHost,
		baseURL: defaultBaseURL,
		filters: DefaultFilters(),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.timeout > 0 && c.timeout != c.http.Timeout {
		hc := *c.http
		hc.Timeout = c.timeout
		c.http = &hc
	}
	if c.filters.PageSize <= 0 {
		c.filters.PageSize = DefaultPageSize
	}
	return c
}

func (c *httpClient) query(req ListHomesRequest) url.Values {
	q := url.Values{}
	q.Set("order", c.filters.Order)
	q.Set("operation", c.filters.Operation)
	q.Set("locationId", req.LocationID)
	q.Set("locationName", req.LocationName)
	q.Set("numPage", strconv.Itoa(req.Page))
	q.Set("maxItems", strconv.Itoa(c.filters.PageSize))
	q.Set("location", c.filters.Country)
	q.Set("locale", c.filters.Locale)
	q.Set("sinceDate", c.filters.SinceDate)
	return q
}

func (c *httpClient) ListHomes(ctx context.Context, req ListHomesRequest) (*ListHomesResponse, error) {
	if req.Page < 1 {
		return nil, eris.Errorf("idealista: invalid page %d", req.Page)
	}

	u := c.baseURL + "/listhomes?" + c.query(req).Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "idealista: create request")
	}

	httpReq.Header.Set("x-rapidapi-key", c.apiKey)
	httpReq.Header.Set("x-rapidapi-host", c.host)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "idealista: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "idealista: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var statusErr error = &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			statusErr = resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, eris.Wrapf(statusErr, "idealista: list homes page %d", req.Page)
	}

	// UseNumber keeps numeric attributes in their exact textual form.
	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()

	var result ListHomesResponse
	if err := dec.Decode(&result); err != nil {
		return nil, eris.Wrap(err, "idealista: unmarshal response")
	}

	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
