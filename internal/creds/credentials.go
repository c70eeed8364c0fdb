package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/TheMichaelB/fleetwatch/internal/models"
)

// File is the on-disk credential bundle accepted by login, e.g. one
// written by a provisioning script:
//
//	{"auth": {"token": "...", "refresh_token": "...", "email": "..."}}
type File struct {
	Auth struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refresh_token"`
		Email        string `json:"email"`
	} `json:"auth"`
}

// Parse decodes a credential bundle.
func Parse(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if f.Auth.Token == "" {
		return nil, errors.New("credentials carry no token")
	}
	return &f, nil
}

// LoadFromFile reads a credential bundle from path.
func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// TokenInfo converts the bundle into a session.
func (f *File) TokenInfo() models.TokenInfo {
	return models.TokenInfo{
		Token:        f.Auth.Token,
		RefreshToken: f.Auth.RefreshToken,
		Email:        f.Auth.Email,
	}
}
