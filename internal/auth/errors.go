package auth

import (
	"errors"

	"golang.org/x/oauth2"
)

var (
	// ErrNoCredentials is returned by a CredentialStore that holds no record.
	ErrNoCredentials = errors.New("no stored credentials")

	// ErrNotAuthenticated is returned when no usable token can be produced.
	ErrNotAuthenticated = errors.New("not authenticated with the drive provider")

	// ErrNoRefreshToken means the held record cannot be refreshed.
	ErrNoRefreshToken = errors.New("no refresh token held")
)

// AuthExchangeError reports that the provider rejected an authorization code
// (expired, reused or invalid).
type AuthExchangeError struct {
	Err error
}

func (e *AuthExchangeError) Error() string {
	return "authorization code exchange failed: " + e.Err.Error()
}

func (e *AuthExchangeError) Unwrap() error { return e.Err }

// AccountMismatchError reports that consent was granted by an account other
// than the configured operator. The token is discarded, never persisted.
type AccountMismatchError struct {
	Expected string
	Actual   string
}

func (e *AccountMismatchError) Error() string {
	return "consent granted by " + e.Actual + ", expected " + e.Expected
}

// AuthRefreshError reports that a refresh could not mint a new access token.
// It is terminal: recovery needs a human to re-consent.
type AuthRefreshError struct {
	Err error
}

func (e *AuthRefreshError) Error() string {
	return "token refresh failed (re-consent required): " + e.Err.Error()
}

func (e *AuthRefreshError) Unwrap() error { return e.Err }

// Revoked reports whether the provider explicitly rejected the refresh token.
func (e *AuthRefreshError) Revoked() bool {
	var re *oauth2.RetrieveError
	if errors.As(e.Err, &re) {
		return re.ErrorCode == "invalid_grant"
	}
	return false
}
