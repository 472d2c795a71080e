// Package bridgeerr defines the small typed-error taxonomy used to decide
// telephony close codes (spec.md §7).
package bridgeerr

import "fmt"

// Close codes per spec.md §7's error-handling table.
const (
	CloseCodeNormal          = 1000
	CloseCodePolicyViolation = 1008
	CloseCodeInternalError   = 1011
)

// AuthError marks a missing or mismatched bearer token, at upgrade or in
// the "start" event. Closes telephony with CloseCodePolicyViolation.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %s", e.Reason) }

// UpstreamConnectError marks a failure to open the AI leg: a non-2xx
// signed-URL response, or a handshake error on both the signed-URL and
// direct-WSS transports. Closes telephony with CloseCodeInternalError.
type UpstreamConnectError struct {
	Reason string
}

func (e *UpstreamConnectError) Error() string { return fmt.Sprintf("upstream connect: %s", e.Reason) }

// ProtocolError marks a Call-ending protocol violation, distinct from a
// single malformed record (which is logged and dropped, never raised as a
// ProtocolError). Closes telephony with CloseCodeInternalError.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %s", e.Reason) }

// CloseCodeFor maps an error from this taxonomy to the telephony close code
// spec.md §7 assigns it. Errors outside the taxonomy close normally: most
// Call-ending conditions (telephony-initiated close, AI transport failure
// after ready) are not bugs, just the other side hanging up.
func CloseCodeFor(err error) int {
	switch err.(type) {
	case *AuthError:
		return CloseCodePolicyViolation
	case *UpstreamConnectError, *ProtocolError:
		return CloseCodeInternalError
	default:
		return CloseCodeNormal
	}
}
