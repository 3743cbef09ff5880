// ABOUTME: User identity service: token checks, profile resolution, userinfo fetches
// ABOUTME: Profiles resolve cache-first with the user store as fallback

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/talkwire/talkwire/internal/cache"
	"github.com/talkwire/talkwire/internal/fault"
	"github.com/talkwire/talkwire/internal/store"
)

// Service answers the two identity questions the gateway has: whose
// token is this, and what does that user look like.
type Service struct {
	verifier    *Verifier
	cache       cache.Cache
	users       store.UserRepo
	userInfoURL string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
}

func NewService(verifier *Verifier, c cache.Cache, users store.UserRepo, userInfoURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "identity")
	return &Service{
		verifier:    verifier,
		cache:       c,
		users:       users,
		userInfoURL: userInfoURL,
		client:      issuerHTTPClient(),
		breaker:     issuerBreaker("userinfo", logger),
		logger:      logger,
	}
}

// Verify validates a bearer token and returns its sub.
func (s *Service) Verify(token string) (string, error) {
	return s.verifier.Verify(token)
}

// Profile returns the profile for sub, cache first, store second. The
// cache layer is best effort: a broken cache degrades to store reads.
func (s *Service) Profile(ctx context.Context, sub string) (*store.UserProfile, error) {
	key := cache.UserInfoKey(sub)

	raw, err := s.cache.Get(ctx, key)
	if err == nil {
		var profile store.UserProfile
		if err := json.Unmarshal([]byte(raw), &profile); err == nil {
			return &profile, nil
		}
		s.logger.Warn("discarding undecodable cached profile", "sub", sub)
	} else if !errors.Is(err, cache.ErrAbsent) {
		s.logger.Warn("profile cache read failed", "sub", sub, "error", err)
	}

	profile, err := s.users.FindUserBySub(ctx, sub)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.NotFound(fault.CodeNotFound, "unknown user "+sub)
	}
	if err != nil {
		return nil, fault.Transient("loading profile", err)
	}

	s.cacheProfile(ctx, profile)
	return profile, nil
}

// FetchUserInfo asks the issuer who an access token belongs to and
// records the answer, seeding the local user record at login.
func (s *Service) FetchUserInfo(ctx context.Context, accessToken string) (*store.UserProfile, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userInfoURL, nil)
		if err != nil {
			return nil, fmt.Errorf("building userinfo request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching userinfo: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, fault.Unauthorized(fault.CodeBadToken, "userinfo rejected the access token")
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("fetching userinfo: unexpected status %d", resp.StatusCode)
		}

		var profile store.UserProfile
		if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
			return nil, fmt.Errorf("decoding userinfo: %w", err)
		}
		return &profile, nil
	})
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, fault.Transient("userinfo", err)
	}

	profile := result.(*store.UserProfile)
	if profile.Sub == "" {
		return nil, fault.Forbidden(fault.CodeMissingClaim, "userinfo response has no sub")
	}

	if err := s.users.UpsertUser(ctx, profile); err != nil {
		return nil, fault.Transient("saving profile", err)
	}
	s.cacheProfile(ctx, profile)
	return profile, nil
}

func (s *Service) cacheProfile(ctx context.Context, profile *store.UserProfile) {
	raw, err := json.Marshal(profile)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cache.UserInfoKey(profile.Sub), string(raw)); err != nil {
		s.logger.Warn("profile cache write failed", "sub", profile.Sub, "error", err)
	}
}
