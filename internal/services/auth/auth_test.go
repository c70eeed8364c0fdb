package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/services/auth"
	"github.com/TheMichaelB/fleetwatch/internal/transport"
	"github.com/TheMichaelB/fleetwatch/test/testutil"
)

func newService(t *testing.T) (*auth.Service, *transport.MockTransport, string) {
	t.Helper()
	mockTransport := transport.NewMockTransport()
	tokenFile := filepath.Join(t.TempDir(), "auth", "token.json")
	return auth.NewService(mockTransport, tokenFile, 5*time.Minute, testutil.NewTestLogger()), mockTransport, tokenFile
}

func TestTokenValid(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"valid for an hour", testutil.MintToken(t, now.Add(time.Hour)), true},
		{"expires inside margin", testutil.MintToken(t, now.Add(4*time.Minute)), false},
		{"expires just outside margin", testutil.MintToken(t, now.Add(6*time.Minute)), true},
		{"already expired", testutil.MintToken(t, now.Add(-time.Hour)), false},
		{"no exp claim", testutil.MintTokenWithoutExpiry(t), true},
		{"garbage", "not-a-jwt", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, auth.TokenValid(tt.token, 5*time.Minute, now))
		})
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	got, ok, err := auth.TokenExpiry(testutil.MintToken(t, exp))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok, err = auth.TokenExpiry(testutil.MintTokenWithoutExpiry(t))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = auth.TokenExpiry("a.b.c")
	assert.Error(t, err)
}

func TestAuthService(t *testing.T) {
	service, mockTransport, tokenFile := newService(t)
	token := testutil.ValidToken(t)

	t.Run("not authenticated without a session", func(t *testing.T) {
		_, err := service.Token()
		assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	})

	t.Run("save session", func(t *testing.T) {
		require.NoError(t, service.SaveSession(models.TokenInfo{
			Token:        token,
			RefreshToken: "refresh-1",
			Email:        "ops@example.com",
		}))

		got, err := service.Token()
		require.NoError(t, err)
		assert.Equal(t, token, got)
		assert.True(t, service.Valid(got))
		assert.Equal(t, token, mockTransport.GetToken())

		info, err := service.Session()
		require.NoError(t, err)
		assert.False(t, info.ExpiresAt.IsZero(), "expiry filled from exp claim")

		stat, err := os.Stat(tokenFile)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), stat.Mode().Perm())
	})

	t.Run("token persistence", func(t *testing.T) {
		service2 := auth.NewService(transport.NewMockTransport(), tokenFile, 5*time.Minute, testutil.NewTestLogger())

		got, err := service2.Token()
		require.NoError(t, err)
		assert.Equal(t, token, got)

		info, err := service2.Session()
		require.NoError(t, err)
		assert.Equal(t, "ops@example.com", info.Email)
	})

	t.Run("token refresh", func(t *testing.T) {
		refreshed := testutil.MintToken(t, time.Now().Add(2*time.Hour))
		mockTransport.SetPostResponse("/api/auth/refresh", models.RefreshResponse{Token: refreshed})

		got, err := service.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, refreshed, got)
		assert.Equal(t, refreshed, mockTransport.GetToken())

		require.Len(t, mockTransport.PostRequests, 1)
		assert.Equal(t, models.RefreshRequest{RefreshToken: "refresh-1"}, mockTransport.PostRequests[0].Payload)

		var saved models.TokenInfo
		data, err := os.ReadFile(tokenFile)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &saved))
		assert.Equal(t, refreshed, saved.Token)
		assert.Equal(t, "refresh-1", saved.RefreshToken, "refresh token carried over")
	})

	t.Run("logout", func(t *testing.T) {
		require.NoError(t, service.Logout())

		_, err := service.Token()
		assert.ErrorIs(t, err, models.ErrNotAuthenticated)
		assert.Empty(t, mockTransport.GetToken())
		assert.NoFileExists(t, tokenFile)

		assert.NoError(t, service.Logout(), "logout is idempotent")
	})
}

func TestRefreshRejectsExpiredResult(t *testing.T) {
	service, mockTransport, _ := newService(t)
	require.NoError(t, service.SaveSession(models.TokenInfo{
		Token:        testutil.ExpiredToken(t),
		RefreshToken: "r",
	}))
	mockTransport.SetPostResponse("/api/auth/refresh", models.RefreshResponse{Token: testutil.ExpiredToken(t)})

	_, err := service.Refresh(context.Background())
	assert.ErrorIs(t, err, models.ErrTokenExpired)
}

func TestRefreshFailure(t *testing.T) {
	service, mockTransport, _ := newService(t)
	require.NoError(t, service.SaveSession(models.TokenInfo{
		Token:        testutil.ExpiredToken(t),
		RefreshToken: "r",
	}))
	mockTransport.SetPostError("/api/auth/refresh", &models.APIError{StatusCode: 401, Message: "revoked"})

	_, err := service.Refresh(context.Background())
	require.Error(t, err)
	var apiErr *models.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestRefreshWithoutRefreshTokenRereadsFile(t *testing.T) {
	service, mockTransport, tokenFile := newService(t)
	require.NoError(t, service.SaveSession(models.TokenInfo{Token: testutil.ExpiredToken(t)}))

	// An external login rotates the file.
	rotated := testutil.ValidToken(t)
	data, err := json.Marshal(models.TokenInfo{Token: rotated})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tokenFile, data, 0600))

	got, err := service.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rotated, got)
	assert.Empty(t, mockTransport.PostRequests, "no refresh request without a refresh token")
}

func TestRefreshCoalescesConcurrentCallers(t *testing.T) {
	refreshed := testutil.ValidToken(t)
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	// A slow transport keeps the first refresh in flight while the others
	// arrive.
	slow := &slowTransport{MockTransport: transport.NewMockTransport(), release: release, onPost: func() {
		mu.Lock()
		calls++
		mu.Unlock()
	}}
	slow.SetPostResponse("/api/auth/refresh", models.RefreshResponse{Token: refreshed})
	service := auth.NewService(slow, filepath.Join(t.TempDir(), "token.json"), 5*time.Minute, testutil.NewTestLogger())
	require.NoError(t, service.SaveSession(models.TokenInfo{Token: testutil.ExpiredToken(t), RefreshToken: "r"}))

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = service.Refresh(context.Background())
		}(i)
	}

	testutil.WaitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, "refresh request in flight")
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	for _, r := range results {
		assert.Equal(t, refreshed, r)
	}
}

type slowTransport struct {
	*transport.MockTransport
	release chan struct{}
	onPost  func()
}

func (s *slowTransport) PostJSON(ctx context.Context, path string, payload, out interface{}) error {
	s.onPost()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.release:
	}
	return s.MockTransport.PostJSON(ctx, path, payload, out)
}

func TestEnsureValid(t *testing.T) {
	t.Run("valid token needs nothing", func(t *testing.T) {
		service, mockTransport, _ := newService(t)
		require.NoError(t, service.SaveSession(models.TokenInfo{Token: testutil.ValidToken(t), RefreshToken: "r"}))

		assert.NoError(t, service.EnsureValid(context.Background()))
		assert.Empty(t, mockTransport.PostRequests)
	})

	t.Run("expiring token is refreshed", func(t *testing.T) {
		service, mockTransport, _ := newService(t)
		require.NoError(t, service.SaveSession(models.TokenInfo{
			Token:        testutil.MintToken(t, time.Now().Add(time.Minute)),
			RefreshToken: "r",
		}))
		mockTransport.SetPostResponse("/api/auth/refresh", models.RefreshResponse{Token: testutil.ValidToken(t)})

		assert.NoError(t, service.EnsureValid(context.Background()))
		assert.Len(t, mockTransport.PostRequests, 1)
	})

	t.Run("no session", func(t *testing.T) {
		service, _, _ := newService(t)
		err := service.EnsureValid(context.Background())
		assert.True(t, errors.Is(err, models.ErrNotAuthenticated))
	})
}

func TestRefreshCallerCancellationDoesNotFailSharedRefresh(t *testing.T) {
	refreshed := testutil.ValidToken(t)
	release := make(chan struct{})
	inFlight := make(chan struct{}, 1)

	slow := &slowTransport{MockTransport: transport.NewMockTransport(), release: release, onPost: func() {
		inFlight <- struct{}{}
	}}
	slow.SetPostResponse("/api/auth/refresh", models.RefreshResponse{Token: refreshed})
	service := auth.NewService(slow, filepath.Join(t.TempDir(), "token.json"), 5*time.Minute, testutil.NewTestLogger())
	require.NoError(t, service.SaveSession(models.TokenInfo{Token: testutil.ExpiredToken(t), RefreshToken: "r"}))

	pushCtx, cancelPush := context.WithCancel(context.Background())
	pushErr := make(chan error, 1)
	go func() {
		_, err := service.Refresh(pushCtx)
		pushErr <- err
	}()
	<-inFlight

	sweepErr := make(chan error, 1)
	go func() {
		sweepErr <- service.EnsureValid(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)

	cancelPush()
	assert.ErrorIs(t, <-pushErr, context.Canceled)

	close(release)
	require.NoError(t, <-sweepErr)

	token, err := service.Token()
	require.NoError(t, err)
	assert.Equal(t, refreshed, token)
}
