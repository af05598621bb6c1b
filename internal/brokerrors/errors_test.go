package brokerrors

import (
	"errors"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		AuthMalformed:         400,
		AuthSkew:              400,
		AuthSignature:         401,
		AuthUnknownKey:        401,
		AuthNotValidator:      401,
		AuthStake:             403,
		RateExceeded:          429,
		DependencyUnavailable: 503,
		NoActiveEpoch:         503,
		EpochNotFound:         404,
		Internal:              500,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestKindOfNonBrokerError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != Internal {
		t.Fatalf("expected Internal for an unrelated error, got %s", got)
	}
}

func TestWrapPreservesCauseViaUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := Wrap(Internal, "detail", cause)
	if !errors.Is(wrapped, cause) {
		t.Fatal("errors.Is should find the wrapped cause")
	}
}

func TestErrorMessageOmitsCauseWhenAbsent(t *testing.T) {
	e := New(AuthSkew, "timestamp too old")
	if e.Error() != "AuthSkew: timestamp too old" {
		t.Fatalf("unexpected message: %q", e.Error())
	}
}
