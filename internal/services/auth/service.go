package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/metrics"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/transport"
)

const refreshPath = "/api/auth/refresh"

// Service owns the session token: persistence, expiry checks and refresh.
type Service struct {
	transport transport.Transport
	logger    *events.Logger
	metrics   *metrics.Metrics

	tokenFile string
	margin    time.Duration
	now       func() time.Time

	mu    sync.Mutex
	token *models.TokenInfo

	refreshGroup singleflight.Group
}

// NewService creates an auth service. margin is how long before expiry a
// token stops being considered valid.
func NewService(transport transport.Transport, tokenFile string, margin time.Duration, logger *events.Logger) *Service {
	return &Service{
		transport: transport,
		tokenFile: tokenFile,
		margin:    margin,
		now:       time.Now,
		logger:    logger.WithField("service", "auth"),
	}
}

// SetMetrics attaches instrumentation.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Session returns the stored session, loading it from disk if needed.
func (s *Service) Session() (*models.TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		if err := s.loadToken(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, models.ErrNotAuthenticated
			}
			return nil, err
		}
		s.transport.SetToken(s.token.Token)
	}

	info := *s.token
	return &info, nil
}

// Token returns the current session token, valid or not.
func (s *Service) Token() (string, error) {
	info, err := s.Session()
	if err != nil {
		return "", err
	}
	if info.Token == "" {
		return "", models.ErrNotAuthenticated
	}
	return info.Token, nil
}

// Valid reports whether token is usable for at least the expiry margin.
func (s *Service) Valid(token string) bool {
	return TokenValid(token, s.margin, s.now())
}

// SaveSession stores a session obtained by an external login.
func (s *Service) SaveSession(info models.TokenInfo) error {
	if info.Token == "" {
		return errors.New("empty token")
	}
	if info.ExpiresAt.IsZero() {
		if exp, ok, err := TokenExpiry(info.Token); err == nil && ok {
			info.ExpiresAt = exp
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = &info
	s.transport.SetToken(info.Token)
	return s.saveToken()
}

// Refresh obtains a new token. Concurrent callers share one request, which
// runs detached from any single caller's cancellation. With a refresh token
// it asks the platform; without one it re-reads the token file in case an
// external login rotated it. The result must itself be valid.
func (s *Service) Refresh(ctx context.Context) (string, error) {
	ch := s.refreshGroup.DoChan("refresh", func() (interface{}, error) {
		token, err := s.refresh(context.WithoutCancel(ctx))
		s.metrics.AuthRefresh(err)
		return token, err
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Service) refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	var refreshToken, email string
	if s.token != nil {
		refreshToken = s.token.RefreshToken
		email = s.token.Email
	}
	s.mu.Unlock()

	var info *models.TokenInfo
	if refreshToken != "" {
		s.logger.Debug("Refreshing token")

		var resp models.RefreshResponse
		err := s.transport.PostJSON(ctx, refreshPath, models.RefreshRequest{RefreshToken: refreshToken}, &resp)
		if err != nil {
			return "", fmt.Errorf("refresh request: %w", err)
		}
		if resp.Token == "" {
			return "", errors.New("invalid refresh response: missing token")
		}
		if resp.RefreshToken == "" {
			resp.RefreshToken = refreshToken
		}
		info = &models.TokenInfo{
			Token:        resp.Token,
			RefreshToken: resp.RefreshToken,
			ExpiresAt:    resp.ExpiresAt,
			Email:        email,
		}
	} else {
		s.logger.Debug("No refresh token, reloading token file")

		s.mu.Lock()
		err := s.loadToken()
		if err == nil {
			loaded := *s.token
			info = &loaded
		}
		s.mu.Unlock()
		if err != nil {
			return "", fmt.Errorf("reload token: %w", err)
		}
	}

	if !s.Valid(info.Token) {
		return "", models.ErrTokenExpired
	}

	s.mu.Lock()
	s.token = info
	s.transport.SetToken(info.Token)
	if err := s.saveToken(); err != nil {
		s.logger.WithError(err).Warn("Failed to save token")
	}
	s.mu.Unlock()

	s.logger.Info("Token refreshed")
	return info.Token, nil
}

// EnsureValid refreshes the token when it is missing or inside the expiry margin.
func (s *Service) EnsureValid(ctx context.Context) error {
	token, err := s.Token()
	if err == nil && s.Valid(token) {
		return nil
	}
	if errors.Is(err, models.ErrNotAuthenticated) {
		return err
	}
	_, err = s.Refresh(ctx)
	return err
}

// Logout clears authentication.
func (s *Service) Logout() error {
	s.logger.Info("Logging out")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
	s.transport.SetToken("")

	if s.tokenFile == "" {
		return nil
	}
	if err := os.Remove(s.tokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// Token persistence; callers hold s.mu.

func (s *Service) saveToken() error {
	if s.tokenFile == "" || s.token == nil {
		return nil
	}

	data, err := json.Marshal(s.token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.tokenFile), 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	return os.WriteFile(s.tokenFile, data, 0600)
}

func (s *Service) loadToken() error {
	if s.tokenFile == "" {
		return fmt.Errorf("no token file configured: %w", os.ErrNotExist)
	}

	data, err := os.ReadFile(s.tokenFile)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}

	var token models.TokenInfo
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	s.token = &token
	return nil
}
