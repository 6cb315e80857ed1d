package pkce

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestNew(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	assert.Len(t, p.Verifier, 43)
	assert.Equal(t, ChallengeS256, p.Method)
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(p.Verifier), p.Challenge)
	assert.Len(t, p.Challenge, 43)
	assert.Equal(t, -1, strings.IndexFunc(p.Verifier, func(r rune) bool {
		return !strings.ContainsRune("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~", r)
	}), "verifier uses only unreserved characters")

	q, err := New()
	require.NoError(t, err)
	assert.NotEqual(t, p.Verifier, q.Verifier)
}

func TestKnownVector(t *testing.T) {
	// RFC 7636 appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	assert.Equal(t, challenge, oauth2.S256ChallengeFromVerifier(verifier))
}

func TestAuthCodeOptions(t *testing.T) {
	conf := &oauth2.Config{
		ClientID: "client",
		Endpoint: oauth2.Endpoint{AuthURL: "https://gitlab.example.com/oauth/authorize"},
	}

	p, err := New()
	require.NoError(t, err)

	u, err := url.Parse(conf.AuthCodeURL("state", p.AuthCodeOptions()...))
	require.NoError(t, err)
	assert.Equal(t, p.Challenge, u.Query().Get("code_challenge"))
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))

	u, err = url.Parse(conf.AuthCodeURL("state", Pair{}.AuthCodeOptions()...))
	require.NoError(t, err)
	assert.Empty(t, u.Query().Get("code_challenge"))

	assert.Nil(t, ExchangeOptions(""))
	assert.Len(t, ExchangeOptions(p.Verifier), 1)
}
