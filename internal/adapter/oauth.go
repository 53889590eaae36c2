package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"golang.org/x/oauth2"
)

// oauthAdapter implements the standard RFC 6749 flow on x/oauth2. Platform
// types embed it and override their quirks.
type oauthAdapter struct {
	platform   domain.Platform
	config     oauth2.Config
	endpoints  Endpoints
	scopes     []string
	timeout    time.Duration
	client     *http.Client
	pkce       bool
	authParams []oauth2.AuthCodeOption
}

func newOAuthAdapter(platform domain.Platform, opts Options, defaults Endpoints, defaultScopes []string, style oauth2.AuthStyle) oauthAdapter {
	endpoints := defaults.merge(opts.Endpoints)

	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return oauthAdapter{
		platform: platform,
		config: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoints.AuthURL,
				TokenURL:  endpoints.TokenURL,
				AuthStyle: style,
			},
		},
		endpoints: endpoints,
		scopes:    scopes,
		timeout:   timeout,
		client:    client,
	}
}

func (a *oauthAdapter) Platform() domain.Platform {
	return a.platform
}

func (a *oauthAdapter) UsesPKCE() bool {
	return a.pkce
}

func (a *oauthAdapter) DefaultScopes() []string {
	return append([]string(nil), a.scopes...)
}

func (a *oauthAdapter) configFor(redirectURI string, scopes []string) *oauth2.Config {
	cfg := a.config
	cfg.RedirectURL = redirectURI
	cfg.Scopes = scopes
	return &cfg
}

func (a *oauthAdapter) BuildAuthorizeURL(state, codeVerifier string, scopes []string, redirectURI string) string {
	if len(scopes) == 0 {
		scopes = a.scopes
	}

	opts := append([]oauth2.AuthCodeOption(nil), a.authParams...)
	if a.pkce && codeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(codeVerifier))
	}

	return a.configFor(redirectURI, scopes).AuthCodeURL(state, opts...)
}

// callContext bounds a platform call and routes x/oauth2 through our client
func (a *oauthAdapter) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, a.client), cancel
}

func (a *oauthAdapter) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*domain.TokenGrant, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if a.pkce && codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	token, err := a.configFor(redirectURI, nil).Exchange(ctx, code, opts...)
	if err != nil {
		return nil, classify(a.platform, "exchange", err)
	}

	return grantFromToken(token), nil
}

func (a *oauthAdapter) RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	token, err := a.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(a.platform, "refresh", err)
	}

	return grantFromToken(token), nil
}

// Revoke posts RFC 7009 token revocation with client credentials in the form
func (a *oauthAdapter) Revoke(ctx context.Context, token string) error {
	if a.endpoints.RevokeURL == "" {
		return nil
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", a.config.ClientID)
	form.Set("client_secret", a.config.ClientSecret)

	return a.postForm(ctx, "revoke", a.endpoints.RevokeURL, form, false, nil)
}

func grantFromToken(token *oauth2.Token) *domain.TokenGrant {
	grant := &domain.TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}

	if token.ExpiresIn > 0 {
		grant.ExpiresIn = time.Duration(token.ExpiresIn) * time.Second
	} else if !token.Expiry.IsZero() {
		grant.ExpiresIn = time.Until(token.Expiry).Round(time.Second)
	}

	if scope, ok := token.Extra("scope").(string); ok {
		grant.Scopes = splitScopes(scope)
	}

	return grant
}

// splitScopes accepts both space and comma separated scope lists
func splitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

// postForm sends a form request. With basicAuth the client credentials go in
// the Authorization header.
func (a *oauthAdapter) postForm(ctx context.Context, op, endpoint string, form url.Values, basicAuth bool, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return classify(a.platform, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if basicAuth {
		req.SetBasicAuth(url.QueryEscape(a.config.ClientID), url.QueryEscape(a.config.ClientSecret))
	}

	return classify(a.platform, op, a.do(req, out))
}

// getJSON performs a bearer-authenticated GET and decodes the response
func (a *oauthAdapter) getJSON(ctx context.Context, op, endpoint, accessToken string, out any) error {
	return a.sendJSON(ctx, http.MethodGet, op, endpoint, accessToken, out)
}

func (a *oauthAdapter) sendJSON(ctx context.Context, method, op, endpoint, accessToken string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return classify(a.platform, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	return classify(a.platform, op, a.do(req, out))
}

func (a *oauthAdapter) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseStatusError(resp.StatusCode, body)
	}

	if out == nil || len(body) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// parseStatusError understands the RFC 6749 error body and the Graph API
// {"error":{"message","code"}} shape
func parseStatusError(status int, body []byte) error {
	se := &statusError{status: status}

	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
		se.code = oauthErr.Error
		se.description = oauthErr.ErrorDescription
		return se
	}

	var graphErr struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &graphErr) == nil && graphErr.Error.Message != "" {
		se.code = graphErr.Error.Type
		se.description = graphErr.Error.Message
	}

	return se
}

// tokenResponse is the token endpoint body for platforms handled outside x/oauth2
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (t tokenResponse) grant() *domain.TokenGrant {
	return &domain.TokenGrant{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    time.Duration(t.ExpiresIn) * time.Second,
		Scopes:       splitScopes(t.Scope),
	}
}

func withQuery(endpoint string, params url.Values) string {
	if strings.Contains(endpoint, "?") {
		return endpoint + "&" + params.Encode()
	}
	return endpoint + "?" + params.Encode()
}
