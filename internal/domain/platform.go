package domain

import (
	"fmt"
	"strings"
)

// Platform identifies a supported social network
type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformTwitter   Platform = "twitter"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
)

// Platforms lists every supported platform in display order
var Platforms = []Platform{
	PlatformFacebook,
	PlatformInstagram,
	PlatformTwitter,
	PlatformLinkedIn,
	PlatformTikTok,
	PlatformYouTube,
}

// ParsePlatform normalizes a platform name and rejects unknown values
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("platform %q: %w", s, ErrUnsupportedPlatform)
	}
	return p, nil
}

// Valid reports whether p is one of the supported platforms
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

func (p Platform) String() string {
	return string(p)
}
