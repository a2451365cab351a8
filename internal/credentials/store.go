// Package credentials stores the remote service access token.
package credentials

import "context"

// Credential is a saved sign-in.
type Credential struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// Store defines credential persistence. A missing credential is reported as
// an empty token, not an error.
type Store interface {
	// Token returns the saved access token, or "" when signed out.
	Token(ctx context.Context) (string, error)

	// Load returns the full saved credential.
	Load(ctx context.Context) (Credential, error)

	// Save persists the credential.
	Save(ctx context.Context, cred Credential) error

	// Clear removes the saved credential. Clearing an empty store is a
	// no-op.
	Clear(ctx context.Context) error
}
