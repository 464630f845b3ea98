// Package simap is a thin client for the public SIMAP procurement API.
//
// Search uses the v2 project-search endpoint with rolling pagination (an
// opaque lastItem cursor, threaded through unmodified). Details come from the
// v1 publication-details endpoint keyed by project and publication id.
// API docs: https://www.simap.ch/api-doc/
package simap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://www.simap.ch"
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "simap-sync/1.0"

	searchPath    = "/api/publications/v2/project/project-search"
	detailPathFmt = "/api/publications/v1/project/%s/publication-details/%s"
	projectURLFmt = "%s/project/%s"
)

// All project sub-types accepted by the search endpoint.
var ProjectSubTypes = []string{
	"construction",
	"service",
	"supply",
	"project_competition",
	"idea_competition",
	"overall_performance_competition",
	"project_study",
	"idea_study",
	"overall_performance_study",
	"request_for_information",
}

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("simap: HTTP %d for %s", e.Code, e.URL)
}

// IsRetryable reports whether a request error is worth retrying: rate limits,
// server errors and transport/timeout failures are; other client errors and
// context cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	return true
}

// IsNotAvailable reports a terminal 4xx (other than 429): the publication has
// no detail to serve. Callers treat this as absence, not an error.
func IsNotAvailable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
	}

	return false
}

// SearchFilters are the query parameters for project search. The API requires
// at least one filter.
type SearchFilters struct {
	Lang             string
	ProjectSubTypes  []string
	PublicationFrom  string // YYYY-MM-DD
	PublicationUntil string // YYYY-MM-DD
	SwissOnly        bool
}

// SearchPage is one page of search results. NextCursor is empty on the last
// page; its format (YYYYMMDD|projectNumber) is opaque to callers.
type SearchPage struct {
	Projects   []map[string]any
	NextCursor string
}

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

type Client struct {
	baseURL   string
	userAgent string
	hc        *http.Client
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	return &Client{
		baseURL:   base,
		userAgent: ua,
		hc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SearchProjects fetches one page of the project search. An empty cursor
// requests the first page.
func (c *Client) SearchProjects(ctx context.Context, f SearchFilters, cursor string) (SearchPage, error) {
	q := url.Values{}
	lang := f.Lang
	if lang == "" {
		lang = "de"
	}
	q.Set("lang", lang)
	if len(f.ProjectSubTypes) > 0 {
		q.Set("projectSubTypes", strings.Join(f.ProjectSubTypes, ","))
	}
	if f.SwissOnly {
		q.Set("orderAddressCountryOnlySwitzerland", "true")
	}
	if f.PublicationFrom != "" {
		q.Set("newestPublicationFrom", f.PublicationFrom)
	}
	if f.PublicationUntil != "" {
		q.Set("newestPublicationUntil", f.PublicationUntil)
	}
	if cursor != "" {
		q.Set("lastItem", cursor)
	}

	body, err := c.doGET(ctx, c.baseURL+searchPath+"?"+q.Encode())
	if err != nil {
		return SearchPage{}, err
	}

	var payload struct {
		Projects   []map[string]any `json:"projects"`
		Pagination struct {
			LastItem string `json:"lastItem"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return SearchPage{}, fmt.Errorf("simap: decode search response: %w", err)
	}

	return SearchPage{Projects: payload.Projects, NextCursor: payload.Pagination.LastItem}, nil
}

// PublicationDetails fetches the detail document for one publication.
func (c *Client) PublicationDetails(ctx context.Context, projectID, publicationID string) (map[string]any, error) {
	u := c.baseURL + fmt.Sprintf(detailPathFmt, url.PathEscape(projectID), url.PathEscape(publicationID))

	body, err := c.doGET(ctx, u)
	if err != nil {
		return nil, err
	}

	var details map[string]any
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("simap: decode detail response: %w", err)
	}

	return details, nil
}

// ProjectURL is the public page for a project number.
func (c *Client) ProjectURL(projectNumber string) string {
	return fmt.Sprintf(projectURLFmt, c.baseURL, projectNumber)
}

// CloseIdleConnections releases pooled connections after an enrichment pass.
func (c *Client) CloseIdleConnections() {
	c.hc.CloseIdleConnections()
}

func (c *Client) doGET(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, URL: u}
	}

	return io.ReadAll(resp.Body)
}
