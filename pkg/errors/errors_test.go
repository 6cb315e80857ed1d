package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(cause, ErrCodeTokenExchangeFailed, "token exchange failed")

	require.NotNil(t, err)
	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, "[TOKEN_EXCHANGE_FAILED] token exchange failed: connection reset", err.Error())
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "noop"))
}

func TestIsCodeThroughFmtWrapping(t *testing.T) {
	inner := New(ErrCodeNotRegistered, "resource server not registered: gitlab")
	outer := fmt.Errorf("resolve: %w", inner)

	assert.True(t, IsCode(outer, ErrCodeNotRegistered))
	assert.False(t, IsCode(outer, ErrCodeInvalidAdapter))
	assert.Equal(t, ErrCodeNotRegistered, GetCode(outer))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
}

func TestIsProtocol(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"protocol", Protocol("missing state"), true},
		{"expired", New(ErrCodeTokenExpired, "expired"), true},
		{"invalid", New(ErrCodeTokenInvalid, "bad signature"), true},
		{"transport", New(ErrCodeTransport, "unreachable"), false},
		{"plain", stderrors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsProtocol(tt.err))
		})
	}
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, MapErrorCodeToHTTPStatus(ErrCodeProtocol))
	assert.Equal(t, http.StatusNotFound, MapErrorCodeToHTTPStatus(ErrCodeNotRegistered))
	assert.Equal(t, http.StatusBadGateway, MapErrorCodeToHTTPStatus(ErrCodeTokenExchangeFailed))
	assert.Equal(t, http.StatusForbidden, MapErrorCodeToHTTPStatus(ErrCodeAuthorizationUnavailable))
	assert.Equal(t, http.StatusConflict, New(ErrCodeConflict, "dup").HTTPStatusCode())
	assert.Equal(t, http.StatusInternalServerError, MapErrorCodeToHTTPStatus("SOMETHING_ELSE"))
}

func TestWithDetail(t *testing.T) {
	err := NotFound("user", "gitlab|42").WithDetail("table", "be_users")
	assert.Equal(t, "be_users", err.Details["table"])
	assert.Equal(t, "[NOT_FOUND] user not found: gitlab|42", err.Error())
}
