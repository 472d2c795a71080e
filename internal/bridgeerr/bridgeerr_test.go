package bridgeerr

import (
	"errors"
	"testing"
)

func TestCloseCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"auth", &AuthError{Reason: "bad token"}, CloseCodePolicyViolation},
		{"upstream connect", &UpstreamConnectError{Reason: "both transports failed"}, CloseCodeInternalError},
		{"protocol", &ProtocolError{Reason: "bad frame"}, CloseCodeInternalError},
		{"plain error", errors.New("boom"), CloseCodeNormal},
	}
	for _, tc := range cases {
		if got := CloseCodeFor(tc.err); got != tc.want {
			t.Errorf("%s: CloseCodeFor() = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	if (&AuthError{Reason: "x"}).Error() == "" {
		t.Fatal("AuthError.Error() should not be empty")
	}
	if (&UpstreamConnectError{Reason: "x"}).Error() == "" {
		t.Fatal("UpstreamConnectError.Error() should not be empty")
	}
	if (&ProtocolError{Reason: "x"}).Error() == "" {
		t.Fatal("ProtocolError.Error() should not be empty")
	}
}
