package adapter

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prperemyshlev/social-connections/internal/config"
	"github.com/prperemyshlev/social-connections/internal/domain"
)

// Registry is the platform dispatch table. It only holds platforms that have
// client credentials.
type Registry struct {
	adapters map[domain.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// NewRegistryFromConfig builds an adapter for every platform with a client id
func NewRegistryFromConfig(cfg config.PlatformsConfig, timeout time.Duration) *Registry {
	client := &http.Client{Timeout: timeout}
	opts := func(p config.ProviderConfig) Options {
		return Options{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Scopes:       p.Scopes,
			Endpoints: Endpoints{
				AuthURL:    p.AuthURL,
				TokenURL:   p.TokenURL,
				RevokeURL:  p.RevokeURL,
				ProfileURL: p.ProfileURL,
			},
			Timeout:    timeout,
			HTTPClient: client,
		}
	}

	var adapters []Adapter
	if cfg.Facebook.Enabled() {
		adapters = append(adapters, NewFacebook(opts(cfg.Facebook)))
	}
	if cfg.Instagram.Enabled() {
		adapters = append(adapters, NewInstagram(opts(cfg.Instagram)))
	}
	if cfg.Twitter.Enabled() {
		adapters = append(adapters, NewTwitter(opts(cfg.Twitter)))
	}
	if cfg.LinkedIn.Enabled() {
		adapters = append(adapters, NewLinkedIn(opts(cfg.LinkedIn)))
	}
	if cfg.TikTok.Enabled() {
		adapters = append(adapters, NewTikTok(opts(cfg.TikTok)))
	}
	if cfg.YouTube.Enabled() {
		adapters = append(adapters, NewYouTube(opts(cfg.YouTube)))
	}

	return NewRegistry(adapters...)
}

// Get returns the adapter for platform or domain.ErrUnsupportedPlatform
func (r *Registry) Get(platform domain.Platform) (Adapter, error) {
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedPlatform, platform)
	}
	return a, nil
}

// Platforms lists the enabled platforms in name order
func (r *Registry) Platforms() []domain.Platform {
	platforms := make([]domain.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

func profile(platform domain.Platform, id, handle string) (*domain.AccountProfile, error) {
	if id == "" {
		return nil, &Error{Platform: platform, Op: "profile", Kind: Permanent, Err: fmt.Errorf("response has no account id")}
	}
	return &domain.AccountProfile{ExternalAccountID: id, Handle: handle}, nil
}
