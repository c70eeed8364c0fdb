package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Stream is an open push channel. Next blocks until the next complete
// message payload arrives. It returns models.ErrStreamClosed (wrapped) when
// the server ends the stream cleanly.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens push channels authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, token string) (Stream, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, token string) (Stream, error) {
	return f(ctx, token)
}

// AuthError reports that the push endpoint rejected the credential during
// the handshake.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("push handshake rejected: HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsAuthError reports whether err is, or wraps, an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// HandshakeError reports a non-auth HTTP failure while opening a stream.
type HandshakeError struct {
	StatusCode int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("push handshake failed: HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func handshakeError(status int) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthError{StatusCode: status}
	}
	return &HandshakeError{StatusCode: status}
}

// streamURL joins base and path and attaches the token query parameter.
func streamURL(base, path, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
