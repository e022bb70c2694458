/*
Copyright 2024 FieldSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package salesforce is the thin client for the upstream org. It covers the
// four calls the sync pipeline needs: SOQL query with cursor paging and bulk
// sObject-collection create/update. Bulk results come back as a parallel
// array positionally aligned with the submitted records; callers own the
// index-to-row bookkeeping.
package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/farmforce/fieldsync/config"
)

// SaveError is one rejection reason attached to a bulk result entry.
type SaveError struct {
	Message    string   `json:"message"`
	StatusCode string   `json:"statusCode"`
	Fields     []string `json:"fields"`
}

// SaveResult is one entry of a bulk create/update response. Entries are
// positionally aligned with the request records.
type SaveResult struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Errors  []SaveError `json:"errors"`
}

// ErrorMessage flattens the rejection reasons into one string.
func (r SaveResult) ErrorMessage() string {
	if len(r.Errors) == 0 {
		return "unknown salesforce error"
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if e.StatusCode != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.StatusCode, e.Message))
		} else {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

// QueryResult is one page of a SOQL query.
type QueryResult struct {
	TotalSize      int                      `json:"totalSize"`
	Done           bool                     `json:"done"`
	NextRecordsURL string                   `json:"nextRecordsUrl"`
	Records        []map[string]interface{} `json:"records"`
}

// Client is the remote handle passed to the push adapters and pull syncs.
type Client interface {
	Query(ctx context.Context, soql string) (*QueryResult, error)
	QueryMore(ctx context.Context, nextRecordsURL string) (*QueryResult, error)
	Create(ctx context.Context, objectType string, records []map[string]interface{}) ([]SaveResult, error)
	Update(ctx context.Context, objectType string, records []map[string]interface{}) ([]SaveResult, error)
}

// HTTPClient talks to the REST API of one org using the username-password
// OAuth flow. The access token is cached and refreshed on expiry or 401.
type HTTPClient struct {
	conf       config.SalesforceConfig
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	instanceURL string
	tokenExpiry time.Time
}

// NewClient builds a client from the Salesforce section of the configuration.
func NewClient() (*HTTPClient, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	if cnf.Salesforce.ClientId == "" || cnf.Salesforce.ClientSecret == "" {
		return nil, errors.New("salesforce client credentials are not configured")
	}
	return &HTTPClient{
		conf:       cnf.Salesforce,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// NewClientWithConfig builds a client from an explicit config, used by tests.
func NewClientWithConfig(conf config.SalesforceConfig) *HTTPClient {
	return &HTTPClient{
		conf:       conf,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
	TokenType   string `json:"token_type"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// authenticate performs the password grant and caches the token. Callers hold
// no lock; authenticate takes it.
func (c *HTTPClient) authenticate(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, c.instanceURL, nil
	}

	tokenURL := c.conf.TokenUrl
	if tokenURL == "" {
		tokenURL = "https://login.salesforce.com/services/oauth2/token"
	}

	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {c.conf.ClientId},
		"client_secret": {c.conf.ClientSecret},
		"username":      {c.conf.Username},
		"password":      {c.conf.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", errors.Wrap(err, "failed to build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", errors.Wrap(err, "salesforce token request failed")
	}
	defer resp.Body.Close()

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", "", errors.Wrap(err, "failed to decode token response")
	}
	if resp.StatusCode != http.StatusOK || token.AccessToken == "" {
		return "", "", errors.Errorf("salesforce authentication failed: %s %s", token.Error, token.Description)
	}

	c.accessToken = token.AccessToken
	c.instanceURL = strings.TrimRight(token.InstanceURL, "/")
	if c.instanceURL == "" {
		c.instanceURL = c.conf.InstanceUrl
	}
	// Tokens live for hours; refresh well before that and let 401 handling
	// cover early revocation.
	c.tokenExpiry = time.Now().Add(30 * time.Minute)

	return c.accessToken, c.instanceURL, nil
}

func (c *HTTPClient) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// doJSON issues one authenticated call with bounded retry on transport errors
// and 5xx responses. A 401 invalidates the cached token and retries once with
// a fresh one.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	operation := func() error {
		token, instanceURL, err := c.authenticate(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		var reqBody io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(errors.Wrap(err, "failed to encode request body"))
			}
			reqBody = bytes.NewReader(raw)
		}

		fullURL := path
		if !strings.HasPrefix(path, "http") {
			fullURL = instanceURL + path
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			c.invalidateToken()
			return errors.New("salesforce session expired")
		case resp.StatusCode >= 500:
			return errors.Errorf("salesforce server error %d: %s", resp.StatusCode, truncate(string(raw), 200))
		case resp.StatusCode >= 400:
			return backoff.Permanent(errors.Errorf("salesforce request rejected %d: %s", resp.StatusCode, truncate(string(raw), 500)))
		}

		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return backoff.Permanent(errors.Wrap(err, "failed to decode salesforce response"))
			}
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.RetryNotify(operation, bo, func(err error, d time.Duration) {
		logrus.WithError(err).Warnf("salesforce call %s %s failed, retrying in %s", method, path, d)
	})
}

// Query runs a SOQL query and returns the first page.
func (c *HTTPClient) Query(ctx context.Context, soql string) (*QueryResult, error) {
	path := fmt.Sprintf("/services/data/%s/query?q=%s", c.conf.ApiVersion, url.QueryEscape(soql))
	var result QueryResult
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// QueryMore fetches the next page of a paged query.
func (c *HTTPClient) QueryMore(ctx context.Context, nextRecordsURL string) (*QueryResult, error) {
	var result QueryResult
	if err := c.doJSON(ctx, http.MethodGet, nextRecordsURL, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type collectionRequest struct {
	AllOrNone bool                     `json:"allOrNone"`
	Records   []map[string]interface{} `json:"records"`
}

// Create inserts records through the sObject collections API. allOrNone is
// always false so one bad record cannot roll back its chunk.
func (c *HTTPClient) Create(ctx context.Context, objectType string, records []map[string]interface{}) ([]SaveResult, error) {
	return c.saveCollection(ctx, http.MethodPost, objectType, records)
}

// Update modifies records through the sObject collections API. Each record
// must carry its Id field.
func (c *HTTPClient) Update(ctx context.Context, objectType string, records []map[string]interface{}) ([]SaveResult, error) {
	return c.saveCollection(ctx, http.MethodPatch, objectType, records)
}

func (c *HTTPClient) saveCollection(ctx context.Context, method, objectType string, records []map[string]interface{}) ([]SaveResult, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tagged := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		withAttrs := make(map[string]interface{}, len(record)+1)
		for k, v := range record {
			withAttrs[k] = v
		}
		withAttrs["attributes"] = map[string]string{"type": objectType}
		tagged = append(tagged, withAttrs)
	}

	path := fmt.Sprintf("/services/data/%s/composite/sobjects", c.conf.ApiVersion)
	var results []SaveResult
	err := c.doJSON(ctx, method, path, collectionRequest{AllOrNone: false, Records: tagged}, &results)
	if err != nil {
		return nil, err
	}
	if len(results) != len(records) {
		return nil, errors.Errorf("salesforce returned %d results for %d records", len(results), len(records))
	}
	return results, nil
}

// QueryAll follows nextRecordsUrl until the query is exhausted.
func QueryAll(ctx context.Context, client Client, soql string) ([]map[string]interface{}, error) {
	result, err := client.Query(ctx, soql)
	if err != nil {
		return nil, err
	}

	records := result.Records
	for !result.Done && result.NextRecordsURL != "" {
		result, err = client.QueryMore(ctx, result.NextRecordsURL)
		if err != nil {
			return nil, err
		}
		records = append(records, result.Records...)
	}
	return records, nil
}

// EscapeQuotes sanitizes a value interpolated into a SOQL string literal.
func EscapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// InClause renders a quoted, escaped SOQL IN list.
func InClause(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, "'"+EscapeQuotes(v)+"'")
	}
	return strings.Join(quoted, ",")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
