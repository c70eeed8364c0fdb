package testutil

import (
	"bytes"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/models"
)

var signingKey = []byte("fleetwatch-test-key")

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// MintToken signs a JWT expiring at exp.
func MintToken(t testing.TB, exp time.Time) string {
	t.Helper()
	return mint(t, jwt.MapClaims{
		"sub":   "user-1",
		"email": "ops@example.com",
		"exp":   exp.Unix(),
	})
}

// MintTokenWithoutExpiry signs a JWT carrying no exp claim.
func MintTokenWithoutExpiry(t testing.TB) string {
	t.Helper()
	return mint(t, jwt.MapClaims{"sub": "user-1"})
}

// ValidToken is a token good for another hour.
func ValidToken(t testing.TB) string {
	return MintToken(t, time.Now().Add(time.Hour))
}

// ExpiredToken expired a minute ago.
func ExpiredToken(t testing.TB) string {
	return MintToken(t, time.Now().Add(-time.Minute))
}

func mint(t testing.TB, claims jwt.MapClaims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err)
	return token
}

// Deployment builds a deployment resource.
func Deployment(id, status, endpoint string) models.Resource {
	return models.Resource{
		ID:          id,
		Name:        "deploy-" + id,
		Status:      status,
		EndpointURL: endpoint,
	}
}

// LocalServer builds a local server resource.
func LocalServer(id, status, endpoint string) models.Resource {
	return models.Resource{
		ID:          id,
		Name:        "server-" + id,
		Status:      status,
		EndpointURL: endpoint,
	}
}

// SampleDeployments is a mix of settled and in-flight deployments.
func SampleDeployments() []models.Resource {
	return []models.Resource{
		Deployment("d1", "creating", ""),
		{ID: "d2", Name: "deploy-d2", Status: "active", EndpointURL: "https://d2.example.com", ConfigLoaded: true},
		Deployment("d3", "deploying", ""),
		Deployment("d4", "failed", ""),
	}
}
