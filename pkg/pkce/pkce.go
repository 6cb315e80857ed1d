// Package pkce implements the client side of RFC 7636 for the
// authorization-code flow: a verifier kept in the login attempt and an S256
// challenge sent with the authorization request.
package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// ChallengeMethod represents the PKCE challenge method
type ChallengeMethod string

// ChallengeS256 is the only method generated.
const ChallengeS256 ChallengeMethod = "S256"

// Pair is a verifier and its S256 challenge.
type Pair struct {
	Verifier  string
	Challenge string
	Method    ChallengeMethod
}

// New generates a verifier from 32 random bytes (43 base64url characters)
// and its S256 challenge.
func New() (Pair, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return Pair{}, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return Pair{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    ChallengeS256,
	}, nil
}

// AuthCodeOptions returns the challenge parameters for AuthCodeURL. An empty
// pair adds nothing, so PKCE stays optional for providers without support.
func (p Pair) AuthCodeOptions() []oauth2.AuthCodeOption {
	if p.Challenge == "" {
		return nil
	}
	return []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", p.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", string(p.Method)),
	}
}

// ExchangeOptions returns the verifier parameter for Exchange.
func ExchangeOptions(verifier string) []oauth2.AuthCodeOption {
	if verifier == "" {
		return nil
	}
	return []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("code_verifier", verifier)}
}
