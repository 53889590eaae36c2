package adapter

import (
	"context"
	"fmt"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"golang.org/x/oauth2"
)

var youtubeEndpoints = Endpoints{
	AuthURL:    "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:   "https://oauth2.googleapis.com/token",
	RevokeURL:  "https://oauth2.googleapis.com/revoke",
	ProfileURL: "https://www.googleapis.com/youtube/v3/channels?part=snippet&mine=true",
}

// YouTube goes through Google OAuth. offline access with forced consent is the
// only way to be issued a refresh token on every connect.
type YouTube struct {
	oauthAdapter
}

func NewYouTube(opts Options) *YouTube {
	a := &YouTube{
		oauthAdapter: newOAuthAdapter(domain.PlatformYouTube, opts, youtubeEndpoints,
			[]string{
				"https://www.googleapis.com/auth/youtube.readonly",
				"https://www.googleapis.com/auth/youtube.upload",
			}, oauth2.AuthStyleInParams),
	}
	a.authParams = []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce}
	return a
}

func (y *YouTube) FetchProfile(ctx context.Context, accessToken string) (*domain.AccountProfile, error) {
	var channels struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title     string `json:"title"`
				CustomURL string `json:"customUrl"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := y.getJSON(ctx, "profile", y.endpoints.ProfileURL, accessToken, &channels); err != nil {
		return nil, err
	}

	if len(channels.Items) == 0 {
		return nil, &Error{Platform: y.platform, Op: "profile", Kind: Permanent, Err: fmt.Errorf("account has no YouTube channel")}
	}

	ch := channels.Items[0]
	handle := ch.Snippet.CustomURL
	if handle == "" {
		handle = ch.Snippet.Title
	}
	return profile(y.platform, ch.ID, handle)
}
