package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	serviceName    = "mates-cli"
	DefaultProfile = "default"
)

// ErrNotFound indicates that no API key is stored for the profile.
var ErrNotFound = errors.New("api key not found")

func keyName(profile string) string {
	if strings.TrimSpace(profile) == "" {
		profile = DefaultProfile
	}
	return profile + "_api_key"
}

// GetAPIKey retrieves the API key stored for profile.
func GetAPIKey(profile string) (string, error) {
	secret, err := keyring.Get(serviceName, keyName(profile))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read api key for %q: %w", profile, err)
	}
	return secret, nil
}

func SetAPIKey(profile, key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return errors.New("api key cannot be empty")
	}
	if err := keyring.Set(serviceName, keyName(profile), trimmed); err != nil {
		return fmt.Errorf("store api key for %q: %w", profile, err)
	}
	return nil
}

func DeleteAPIKey(profile string) error {
	if err := keyring.Delete(serviceName, keyName(profile)); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete api key for %q: %w", profile, err)
	}
	return nil
}

// HasAPIKey reports whether a key is stored for profile.
func HasAPIKey(profile string) (bool, error) {
	_, err := GetAPIKey(profile)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Mask shortens a key for display, keeping its prefix and last four characters.
func Mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:3] + strings.Repeat("*", len(key)-7) + key[len(key)-4:]
}
