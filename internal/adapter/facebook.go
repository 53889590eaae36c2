package adapter

import (
	"context"
	"net/http"
	"net/url"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"golang.org/x/oauth2"
)

var facebookEndpoints = Endpoints{
	AuthURL:    "https://www.facebook.com/v19.0/dialog/oauth",
	TokenURL:   "https://graph.facebook.com/v19.0/oauth/access_token",
	RevokeURL:  "https://graph.facebook.com/v19.0/me/permissions",
	ProfileURL: "https://graph.facebook.com/v19.0/me?fields=id,name",
}

// Facebook has no refresh tokens. The code exchange yields a short-lived user
// token which is swapped for a long-lived (~60 day) one via fb_exchange_token,
// and that long-lived token is its own refresh credential.
type Facebook struct {
	oauthAdapter
}

func NewFacebook(opts Options) *Facebook {
	return &Facebook{
		oauthAdapter: newOAuthAdapter(domain.PlatformFacebook, opts, facebookEndpoints,
			[]string{"public_profile", "pages_show_list", "pages_manage_posts"}, oauth2.AuthStyleInParams),
	}
}

func (f *Facebook) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*domain.TokenGrant, error) {
	short, err := f.oauthAdapter.ExchangeCode(ctx, code, redirectURI, codeVerifier)
	if err != nil {
		return nil, err
	}

	long, err := f.exchangeLongLived(ctx, "exchange", short.AccessToken)
	if err != nil {
		// The short-lived token still works, the scheduler upgrades it later
		short.RefreshToken = short.AccessToken
		return short, nil
	}

	if len(long.Scopes) == 0 {
		long.Scopes = short.Scopes
	}
	return long, nil
}

// RefreshToken re-exchanges the long-lived access token for a fresh one
func (f *Facebook) RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	return f.exchangeLongLived(ctx, "refresh", refreshToken)
}

func (f *Facebook) exchangeLongLived(ctx context.Context, op, token string) (*domain.TokenGrant, error) {
	params := url.Values{}
	params.Set("grant_type", "fb_exchange_token")
	params.Set("client_id", f.config.ClientID)
	params.Set("client_secret", f.config.ClientSecret)
	params.Set("fb_exchange_token", token)

	var resp tokenResponse
	if err := f.getJSON(ctx, op, withQuery(f.endpoints.TokenURL, params), "", &resp); err != nil {
		return nil, err
	}

	grant := resp.grant()
	grant.RefreshToken = grant.AccessToken
	return grant, nil
}

// Revoke removes every permission the user granted the app
func (f *Facebook) Revoke(ctx context.Context, token string) error {
	params := url.Values{}
	params.Set("access_token", token)
	return f.sendJSON(ctx, http.MethodDelete, "revoke", withQuery(f.endpoints.RevokeURL, params), "", nil)
}

func (f *Facebook) FetchProfile(ctx context.Context, accessToken string) (*domain.AccountProfile, error) {
	var me struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := f.getJSON(ctx, "profile", f.endpoints.ProfileURL, accessToken, &me); err != nil {
		return nil, err
	}

	return profile(f.platform, me.ID, me.Name)
}
