package adapter

import (
	"context"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"golang.org/x/oauth2"
)

var linkedinEndpoints = Endpoints{
	AuthURL:    "https://www.linkedin.com/oauth/v2/authorization",
	TokenURL:   "https://www.linkedin.com/oauth/v2/accessToken",
	RevokeURL:  "https://www.linkedin.com/oauth/v2/revoke",
	ProfileURL: "https://api.linkedin.com/v2/userinfo",
}

// LinkedIn uses the standard flow with OpenID Connect userinfo
type LinkedIn struct {
	oauthAdapter
}

func NewLinkedIn(opts Options) *LinkedIn {
	return &LinkedIn{
		oauthAdapter: newOAuthAdapter(domain.PlatformLinkedIn, opts, linkedinEndpoints,
			[]string{"openid", "profile", "w_member_social"}, oauth2.AuthStyleInParams),
	}
}

func (l *LinkedIn) FetchProfile(ctx context.Context, accessToken string) (*domain.AccountProfile, error) {
	var info struct {
		Sub  string `json:"sub"`
		Name string `json:"name"`
	}
	if err := l.getJSON(ctx, "profile", l.endpoints.ProfileURL, accessToken, &info); err != nil {
		return nil, err
	}

	return profile(l.platform, info.Sub, info.Name)
}
