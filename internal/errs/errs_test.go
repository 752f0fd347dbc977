package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{New(BadRequest, "bad"), http.StatusBadRequest},
		{New(Unauthorized, "sig"), http.StatusUnauthorized},
		{New(NotFound, "gone"), http.StatusNotFound},
		{New(Conflict, "dup"), http.StatusConflict},
		{Wrap(Internal, "store", errors.New("boom")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
		{fmt.Errorf("outer: %w", New(Conflict, "dup")), http.StatusConflict},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("%v: want %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestPublicMessageHidesCause(t *testing.T) {
	err := Wrap(Internal, "failed to store reading", errors.New("pq: connection refused"))
	if got := PublicMessage(err); got != "failed to store reading" {
		t.Fatalf("unexpected public message %q", got)
	}
	if got := PublicMessage(errors.New("secret detail")); got != "internal server error" {
		t.Fatalf("unclassified errors must not leak: %q", got)
	}
	if !errors.Is(err, err.Cause) {
		t.Fatal("cause should unwrap")
	}
}
