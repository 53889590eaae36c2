package adapter

import (
	"context"
	"net/url"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"golang.org/x/oauth2"
)

var instagramEndpoints = Endpoints{
	AuthURL:    "https://api.instagram.com/oauth/authorize",
	TokenURL:   "https://api.instagram.com/oauth/access_token",
	ProfileURL: "https://graph.instagram.com/me?fields=id,username",
}

// Instagram follows the Basic Display token model: a short-lived token from
// the code, upgraded with ig_exchange_token and extended with ig_refresh_token.
// Its long-lived access token doubles as the refresh credential.
type Instagram struct {
	oauthAdapter
	graphURL string
}

func NewInstagram(opts Options) *Instagram {
	a := &Instagram{
		oauthAdapter: newOAuthAdapter(domain.PlatformInstagram, opts, instagramEndpoints,
			[]string{"user_profile", "user_media"}, oauth2.AuthStyleInParams),
	}
	a.graphURL = originOf(a.endpoints.ProfileURL)
	return a
}

func (i *Instagram) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*domain.TokenGrant, error) {
	short, err := i.oauthAdapter.ExchangeCode(ctx, code, redirectURI, codeVerifier)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("grant_type", "ig_exchange_token")
	params.Set("client_secret", i.config.ClientSecret)
	params.Set("access_token", short.AccessToken)

	long, err := i.graphToken(ctx, "exchange", "/access_token", params)
	if err != nil {
		short.RefreshToken = short.AccessToken
		return short, nil
	}

	long.Scopes = short.Scopes
	return long, nil
}

func (i *Instagram) RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	params := url.Values{}
	params.Set("grant_type", "ig_refresh_token")
	params.Set("access_token", refreshToken)

	return i.graphToken(ctx, "refresh", "/refresh_access_token", params)
}

func (i *Instagram) graphToken(ctx context.Context, op, path string, params url.Values) (*domain.TokenGrant, error) {
	var resp tokenResponse
	if err := i.getJSON(ctx, op, withQuery(i.graphURL+path, params), "", &resp); err != nil {
		return nil, err
	}

	grant := resp.grant()
	grant.RefreshToken = grant.AccessToken
	return grant, nil
}

// Revoke is a no-op: Instagram exposes no revocation endpoint, users remove
// the app from their account settings
func (i *Instagram) Revoke(ctx context.Context, token string) error {
	return nil
}

func (i *Instagram) FetchProfile(ctx context.Context, accessToken string) (*domain.AccountProfile, error) {
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := i.getJSON(ctx, "profile", i.endpoints.ProfileURL, accessToken, &me); err != nil {
		return nil, err
	}

	return profile(i.platform, me.ID, me.Username)
}

// originOf returns scheme://host of a URL
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
