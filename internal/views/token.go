// Package views implements playback-token issuance and redemption plus the
// buffered view counter and its periodic flush.
package views

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// tokenLeeway absorbs clock skew between the API nodes that issue and
// redeem tokens.
const tokenLeeway = 30 * time.Second

// PlaybackClaims is the payload of a playback token. A token is minted when
// playback starts and redeemed once the viewer has watched long enough for
// the view to count.
type PlaybackClaims struct {
	VideoID       string  `json:"videoId"`
	Identifier    string  `json:"identifier"`
	VideoDuration float64 `json:"videoDuration"`
	jwt.RegisteredClaims
}

// TokenService mints and validates playback tokens.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService with the given signing secret.
func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// Issue mints a playback token for one viewing session. The identifier is
// the best available viewer identity (client IP, falling back to user id,
// falling back to the video id itself).
func (s *TokenService) Issue(videoID, identifier string, videoDuration float64, now time.Time) (string, error) {
	claims := PlaybackClaims{
		VideoID:       videoID,
		Identifier:    identifier,
		VideoDuration: videoDuration,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign playback token: %w", err)
	}
	return signed, nil
}

// Parse validates a playback token's signature and returns its claims.
func (s *TokenService) Parse(tokenString string) (*PlaybackClaims, error) {
	claims := &PlaybackClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithLeeway(tokenLeeway))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, models.ErrTokenInvalid
	}
	if claims.VideoID == "" || claims.IssuedAt == nil || claims.VideoDuration <= 0 {
		return nil, models.ErrTokenInvalid
	}
	return claims, nil
}
