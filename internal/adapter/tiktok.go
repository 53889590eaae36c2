package adapter

import (
	"context"
	"net/url"
	"strings"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"golang.org/x/oauth2"
)

var tiktokEndpoints = Endpoints{
	AuthURL:    "https://www.tiktok.com/v2/auth/authorize/",
	TokenURL:   "https://open.tiktokapis.com/v2/oauth/token/",
	RevokeURL:  "https://open.tiktokapis.com/v2/oauth/revoke/",
	ProfileURL: "https://open.tiktokapis.com/v2/user/info/?fields=open_id,display_name",
}

// TikTok names the client id client_key and joins scopes with commas, so the
// authorize URL and token calls are built by hand rather than through x/oauth2
type TikTok struct {
	oauthAdapter
}

func NewTikTok(opts Options) *TikTok {
	return &TikTok{
		oauthAdapter: newOAuthAdapter(domain.PlatformTikTok, opts, tiktokEndpoints,
			[]string{"user.info.basic", "video.publish"}, oauth2.AuthStyleInParams),
	}
}

func (t *TikTok) BuildAuthorizeURL(state, codeVerifier string, scopes []string, redirectURI string) string {
	if len(scopes) == 0 {
		scopes = t.scopes
	}

	params := url.Values{}
	params.Set("client_key", t.config.ClientID)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(scopes, ","))
	params.Set("redirect_uri", redirectURI)
	params.Set("state", state)

	return withQuery(t.endpoints.AuthURL, params)
}

func (t *TikTok) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*domain.TokenGrant, error) {
	form := t.credentials()
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)

	return t.token(ctx, "exchange", form)
}

func (t *TikTok) RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	form := t.credentials()
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return t.token(ctx, "refresh", form)
}

func (t *TikTok) Revoke(ctx context.Context, token string) error {
	form := t.credentials()
	form.Set("token", token)
	return t.postForm(ctx, "revoke", t.endpoints.RevokeURL, form, false, nil)
}

func (t *TikTok) FetchProfile(ctx context.Context, accessToken string) (*domain.AccountProfile, error) {
	var info struct {
		Data struct {
			User struct {
				OpenID      string `json:"open_id"`
				DisplayName string `json:"display_name"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := t.getJSON(ctx, "profile", t.endpoints.ProfileURL, accessToken, &info); err != nil {
		return nil, err
	}

	return profile(t.platform, info.Data.User.OpenID, info.Data.User.DisplayName)
}

func (t *TikTok) credentials() url.Values {
	form := url.Values{}
	form.Set("client_key", t.config.ClientID)
	form.Set("client_secret", t.config.ClientSecret)
	return form
}

// token handles TikTok reporting some failures as HTTP 200 with an error body
func (t *TikTok) token(ctx context.Context, op string, form url.Values) (*domain.TokenGrant, error) {
	var resp struct {
		tokenResponse
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := t.postForm(ctx, op, t.endpoints.TokenURL, form, false, &resp); err != nil {
		return nil, err
	}

	if resp.Error != "" || resp.AccessToken == "" {
		return nil, classify(t.platform, op, &statusError{
			status:      400,
			code:        resp.Error,
			description: resp.ErrorDescription,
		})
	}

	return resp.grant(), nil
}
