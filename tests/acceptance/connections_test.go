package acceptance

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/internal/dto"
)

func (s *Suite) request(method, path, userID string, body interface{}) *http.Response {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.BaseURL+path, reader)
	s.Require().NoError(err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", s.bearer(userID))
	}

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *Suite) decode(resp *http.Response, out interface{}) {
	defer resp.Body.Close()
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
}

func (s *Suite) connect(userID string, req *dto.ConnectRequest) dto.ConnectResponse {
	var body interface{}
	if req != nil {
		body = req
	}
	resp := s.request(http.MethodPost, "/api/v1/connect/linkedin", userID, body)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var out dto.ConnectResponse
	s.decode(resp, &out)
	return out
}

func (s *Suite) callback(query url.Values) *http.Response {
	resp, err := http.Get(s.BaseURL + "/api/v1/callback/linkedin?" + query.Encode())
	s.Require().NoError(err)
	return resp
}

// link runs the whole connect flow and returns the ACTIVE summary
func (s *Suite) link(userID string) domain.Summary {
	started := s.connect(userID, nil)

	resp := s.callback(url.Values{"code": {"good"}, "state": {started.State}})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var summary domain.Summary
	s.decode(resp, &summary)
	return summary
}

func (s *Suite) TestConnect_RequiresAuthentication() {
	resp := s.request(http.MethodPost, "/api/v1/connect/linkedin", "", nil)
	defer resp.Body.Close()

	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *Suite) TestConnect_UnconfiguredPlatform() {
	resp := s.request(http.MethodPost, "/api/v1/connect/tiktok", "user-1", nil)
	defer resp.Body.Close()

	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *Suite) TestConnect_ReturnsAuthorizeURL() {
	started := s.connect("user-1", &dto.ConnectRequest{Scopes: []string{"openid", "profile"}})

	s.Equal(domain.StatusPendingAuth, started.Status)
	s.NotEmpty(started.State)
	s.True(started.ExpiresAt.After(time.Now()))

	authorize, err := url.Parse(started.AuthorizeURL)
	s.Require().NoError(err)
	s.Equal(started.State, authorize.Query().Get("state"))
	s.Equal("test-client", authorize.Query().Get("client_id"))
	s.Contains(authorize.Query().Get("redirect_uri"), "/api/v1/callback/linkedin")

	exists, err := s.Redis.Client.Exists(context.Background(), "oauth:state:"+started.State).Result()
	s.Require().NoError(err)
	s.Equal(int64(1), exists)
}

func (s *Suite) TestCallback_CreatesActiveConnection() {
	summary := s.link("user-1")

	s.Equal(domain.StatusActive, summary.Status)
	s.Equal(providerAccountID, summary.ExternalAccountID)
	s.Equal(providerHandle, summary.ExternalAccountHandle)
	s.Require().NotNil(summary.TokenExpiresAt)
	s.True(summary.TokenExpiresAt.After(time.Now()))

	var stored string
	err := s.Postgres.DB.QueryRow(
		`SELECT access_token FROM social_account_connections WHERE id = $1`, summary.ID,
	).Scan(&stored)
	s.Require().NoError(err)
	s.NotEmpty(stored)
	s.NotContains(stored, "provider-access-", "tokens are encrypted at rest")

	resp := s.request(http.MethodGet, "/api/v1/accounts", "user-1", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var accounts dto.AccountsResponse
	s.decode(resp, &accounts)
	s.Require().Len(accounts.Accounts, 1)
	s.Equal(summary.ID, accounts.Accounts[0].ID)
}

func (s *Suite) TestCallback_ReplayRejected() {
	started := s.connect("user-1", nil)
	query := url.Values{"code": {"good"}, "state": {started.State}}

	first := s.callback(query)
	first.Body.Close()
	s.Require().Equal(http.StatusOK, first.StatusCode)

	replay := s.callback(query)
	defer replay.Body.Close()
	s.Equal(http.StatusBadRequest, replay.StatusCode)
	s.Equal(int64(1), s.Provider.exchanges.Load())
}

func (s *Suite) TestCallback_DeniedConsent() {
	started := s.connect("user-1", nil)

	resp := s.callback(url.Values{
		"state":             {started.State},
		"error":             {"user_cancelled_authorize"},
		"error_description": {"The user cancelled"},
	})
	defer resp.Body.Close()
	s.Equal(http.StatusForbidden, resp.StatusCode)

	var count int
	s.Require().NoError(s.Postgres.DB.QueryRow(`SELECT COUNT(*) FROM social_account_connections`).Scan(&count))
	s.Zero(count)
	s.Zero(s.Provider.exchanges.Load())
}

func (s *Suite) TestCallback_RejectedCodeRecordsError() {
	started := s.connect("user-1", nil)

	resp := s.callback(url.Values{"code": {"bad"}, "state": {started.State}})
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	var errResp dto.ErrorResponse
	s.decode(resp, &errResp)
	details, ok := errResp.Details.(map[string]interface{})
	s.Require().True(ok)
	s.Equal(string(domain.StatusError), details["status"])
	s.Contains(details["last_error"], "invalid_grant")

	// Reconnecting adopts the failed record
	summary := s.link("user-1")
	s.Equal(details["id"], summary.ID)
	s.Equal(domain.StatusActive, summary.Status)
}

func (s *Suite) TestManualRefresh() {
	summary := s.link("user-1")

	resp := s.request(http.MethodPost, "/api/v1/accounts/"+summary.ID+"/refresh", "user-1", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var refreshed domain.Summary
	s.decode(resp, &refreshed)
	s.Equal(domain.StatusActive, refreshed.Status)
	s.Equal(int64(1), s.Provider.refreshes.Load())
}

func (s *Suite) TestManualRefresh_RejectedMarksError() {
	summary := s.link("user-1")
	s.Provider.failRefresh.Store(true)

	resp := s.request(http.MethodPost, "/api/v1/accounts/"+summary.ID+"/refresh", "user-1", nil)
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = s.request(http.MethodGet, "/api/v1/accounts/"+summary.ID, "user-1", nil)
	var got domain.Summary
	s.decode(resp, &got)
	s.Equal(domain.StatusError, got.Status)
	s.NotEmpty(got.LastError)
}

func (s *Suite) TestSweep_RefreshesDueConnections() {
	summary := s.link("user-1")

	_, err := s.Postgres.DB.Exec(
		`UPDATE social_account_connections SET next_refresh_at = NOW() - INTERVAL '1 second' WHERE id = $1`,
		summary.ID,
	)
	s.Require().NoError(err)

	result := s.Services.Scheduler.Sweep(context.Background())

	s.Equal(1, result.Due)
	s.Equal(1, result.Refreshed)
	s.Equal(int64(1), s.Provider.refreshes.Load())
}

func (s *Suite) TestSweep_DemotesExpiredConnections() {
	summary := s.link("user-1")

	_, err := s.Postgres.DB.Exec(
		`UPDATE social_account_connections
		 SET token_expires_at = NOW() - INTERVAL '1 minute', next_refresh_at = NULL
		 WHERE id = $1`,
		summary.ID,
	)
	s.Require().NoError(err)

	resp := s.request(http.MethodGet, "/api/v1/accounts", "user-1", nil)
	var accounts dto.AccountsResponse
	s.decode(resp, &accounts)
	s.Require().Len(accounts.Accounts, 1)
	s.Equal(domain.StatusTokenExpired, accounts.Accounts[0].Status)
}

func (s *Suite) TestDisconnect_Idempotent() {
	summary := s.link("user-1")

	for range 2 {
		resp := s.request(http.MethodDelete, "/api/v1/accounts/"+summary.ID, "user-1", nil)
		s.Require().Equal(http.StatusOK, resp.StatusCode)
		var got domain.Summary
		s.decode(resp, &got)
		s.Equal(domain.StatusDisconnected, got.Status)
	}

	s.Equal(int64(1), s.Provider.revocations.Load())

	var access, refresh string
	err := s.Postgres.DB.QueryRow(
		`SELECT access_token, refresh_token FROM social_account_connections WHERE id = $1`, summary.ID,
	).Scan(&access, &refresh)
	s.Require().NoError(err)
	s.Empty(access)
	s.Empty(refresh)
}

func (s *Suite) TestReconnectAfterDisconnect() {
	summary := s.link("user-1")
	resp := s.request(http.MethodDelete, "/api/v1/accounts/"+summary.ID, "user-1", nil)
	resp.Body.Close()

	started := s.connect("user-1", &dto.ConnectRequest{ConnectionID: summary.ID})
	resp = s.callback(url.Values{"code": {"good"}, "state": {started.State}})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var reconnected domain.Summary
	s.decode(resp, &reconnected)
	s.Equal(summary.ID, reconnected.ID)
	s.Equal(domain.StatusActive, reconnected.Status)
}

func (s *Suite) TestAccounts_AreScopedToCaller() {
	summary := s.link("user-1")

	resp := s.request(http.MethodGet, "/api/v1/accounts?userId=user-1", "user-2", nil)
	resp.Body.Close()
	s.Equal(http.StatusForbidden, resp.StatusCode)

	resp = s.request(http.MethodGet, "/api/v1/accounts/"+summary.ID, "user-2", nil)
	resp.Body.Close()
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp = s.request(http.MethodDelete, "/api/v1/accounts/"+summary.ID, "user-2", nil)
	resp.Body.Close()
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp = s.request(http.MethodGet, "/api/v1/accounts", "user-2", nil)
	var accounts dto.AccountsResponse
	s.decode(resp, &accounts)
	s.Empty(accounts.Accounts)
}

func (s *Suite) TestEvents_StreamStatusChanges() {
	summary := s.link("user-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/api/v1/accounts/events", nil)
	s.Require().NoError(err)
	req.Header.Set("Authorization", s.bearer("user-1"))

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Contains(resp.Header.Get("Content-Type"), "text/event-stream")

	disconnect := s.request(http.MethodDelete, "/api/v1/accounts/"+summary.ID, "user-1", nil)
	disconnect.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var change struct {
			ConnectionID string                  `json:"connection_id"`
			Status       domain.ConnectionStatus `json:"status"`
		}
		s.Require().NoError(json.Unmarshal([]byte(data), &change))
		s.Equal(summary.ID, change.ConnectionID)
		s.Equal(domain.StatusDisconnected, change.Status)
		return
	}
	s.Fail("no status event received", "scan error: %v", scanner.Err())
}
