// Package errors provides structured error handling with error codes for the
// OAuth2 login broker.
//
// Errors carry a code that callers branch on. The login flow distinguishes
// three families:
//
//   - protocol errors (PROTOCOL_ERROR, TOKEN_EXPIRED, TOKEN_INVALID): the
//     callback is treated as anonymous and the flow restarts
//   - transport errors (TRANSPORT_ERROR, TOKEN_EXCHANGE_FAILED,
//     IDENTITY_FETCH_FAILED): surfaced to the host as "login failed"
//   - configuration errors (NOT_REGISTERED, INVALID_ADAPTER,
//     CONFIGURATION_ERROR): fatal at startup
//
// Usage:
//
//	err := errors.Wrap(err, errors.ErrCodeTokenExchangeFailed, "token exchange failed")
//	if errors.IsProtocol(err) {
//		// continue anonymously
//	}
//	status := errors.MapErrorCodeToHTTPStatus(errors.GetCode(err))
package errors
