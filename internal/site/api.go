package site

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Plejd cloud (Parse server) endpoints.
const (
	DefaultBaseURL = "https://cloud.plejd.com/parse/"
	DefaultAppID   = "zHtVqXt8k4yFyk2QGmgp48D9xZr2G94xWYnF4dak"

	loginPath    = "login"
	siteListPath = "functions/getSiteList"
	siteByIDPath = "functions/getSiteById"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 16 << 20

// APIClient fetches site documents from the Plejd cloud.
type APIClient struct {
	BaseURL  string
	AppID    string
	Username string
	Password string
	SiteName string // empty selects the first site on the account

	HTTP *http.Client
}

// NewAPIClient returns a client for the production cloud.
func NewAPIClient(username, password, siteName string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		BaseURL:  DefaultBaseURL,
		AppID:    DefaultAppID,
		Username: username,
		Password: password,
		SiteName: siteName,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

// FetchSiteJSON logs in, picks the configured site and returns its raw
// document, ready for Parse or a cache.
func (c *APIClient) FetchSiteJSON(ctx context.Context) ([]byte, error) {
	token, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	siteID, err := c.selectSite(ctx, token)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result []json.RawMessage `json:"result"`
	}
	if err := c.post(ctx, siteByIDPath, token, map[string]string{"siteId": siteID}, &resp); err != nil {
		return nil, fmt.Errorf("site: get site %s: %w", siteID, err)
	}
	if len(resp.Result) == 0 {
		return nil, fmt.Errorf("%w: empty site %s", ErrUnexpectedResponse, siteID)
	}
	slog.Info("[SITE] fetched site from Plejd cloud", "site_id", siteID)
	return resp.Result[0], nil
}

func (c *APIClient) login(ctx context.Context) (string, error) {
	body := map[string]string{"username": c.Username, "password": c.Password}
	var resp struct {
		SessionToken string `json:"sessionToken"`
	}
	if err := c.post(ctx, loginPath, "", body, &resp); err != nil {
		return "", fmt.Errorf("site: login: %w", err)
	}
	if resp.SessionToken == "" {
		return "", fmt.Errorf("site: login: %w: no session token", ErrUnexpectedResponse)
	}
	return resp.SessionToken, nil
}

type siteSummary struct {
	Site struct {
		Title  string `json:"title"`
		SiteID string `json:"siteId"`
	} `json:"site"`
}

func (c *APIClient) selectSite(ctx context.Context, token string) (string, error) {
	var resp struct {
		Result []siteSummary `json:"result"`
	}
	if err := c.post(ctx, siteListPath, token, nil, &resp); err != nil {
		return "", fmt.Errorf("site: list sites: %w", err)
	}
	if len(resp.Result) == 0 {
		return "", ErrNoSites
	}
	if c.SiteName != "" {
		for _, s := range resp.Result {
			if s.Site.Title == c.SiteName {
				return s.Site.SiteID, nil
			}
		}
		slog.Warn("[SITE] configured site not found, using first site",
			"site", c.SiteName, "using", resp.Result[0].Site.Title)
	}
	return resp.Result[0].Site.SiteID, nil
}

// post sends a JSON request to a Parse endpoint and decodes the answer.
func (c *APIClient) post(ctx context.Context, path, token string, body, out any) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(buf)
	}

	url := strings.TrimSuffix(c.BaseURL, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, payload)
	if err != nil {
		return err
	}
	req.Header.Set("X-Parse-Application-Id", c.AppID)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Parse-Session-Token", token)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrIncorrectCredentials
	case resp.StatusCode >= 300:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(data, 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
