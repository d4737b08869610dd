package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PageBody is the JSON body of the page content endpoints.
type PageBody struct {
	PageID  string `json:"pageId,omitempty"`
	Content string `json:"content"`
}

// Client talks to the page content HTTP API of a wikisync server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) pageURL(pageID string) string {
	return c.baseURL + "/pages/" + url.PathEscape(pageID) + "/content"
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) PageContent(ctx context.Context, pageID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(pageID), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("get page %s: status %d: %s", pageID, resp.StatusCode, string(respBody))
	}

	var body PageBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode page: %w", err)
	}
	return body.Content, nil
}

func (c *Client) SavePageContent(ctx context.Context, pageID, content string) error {
	body, err := json.Marshal(PageBody{Content: content})
	if err != nil {
		return fmt.Errorf("marshal page: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.pageURL(pageID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("put page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("put page %s: status %d: %s", pageID, resp.StatusCode, string(respBody))
	}
	return nil
}
