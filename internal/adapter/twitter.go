package adapter

import (
	"context"
	"net/url"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"golang.org/x/oauth2"
)

var twitterEndpoints = Endpoints{
	AuthURL:    "https://twitter.com/i/oauth2/authorize",
	TokenURL:   "https://api.twitter.com/2/oauth2/token",
	RevokeURL:  "https://api.twitter.com/2/oauth2/revoke",
	ProfileURL: "https://api.twitter.com/2/users/me",
}

// Twitter (X) OAuth 2.0 requires PKCE and confidential-client basic auth.
// Refresh tokens are only issued with the offline.access scope.
type Twitter struct {
	oauthAdapter
}

func NewTwitter(opts Options) *Twitter {
	a := &Twitter{
		oauthAdapter: newOAuthAdapter(domain.PlatformTwitter, opts, twitterEndpoints,
			[]string{"tweet.read", "tweet.write", "users.read", "offline.access"}, oauth2.AuthStyleInHeader),
	}
	a.pkce = true
	return a
}

func (t *Twitter) Revoke(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("token", token)
	return t.postForm(ctx, "revoke", t.endpoints.RevokeURL, form, true, nil)
}

func (t *Twitter) FetchProfile(ctx context.Context, accessToken string) (*domain.AccountProfile, error) {
	var me struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := t.getJSON(ctx, "profile", t.endpoints.ProfileURL, accessToken, &me); err != nil {
		return nil, err
	}

	return profile(t.platform, me.Data.ID, "@"+me.Data.Username)
}
