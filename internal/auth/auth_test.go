package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier(map[string]string{"tok-1": "u1"})

	userID, err := v.Verify(context.Background(), "tok-1")
	if err != nil || userID != "u1" {
		t.Errorf("Verify = (%q, %v), want (u1, nil)", userID, err)
	}

	if _, err := v.Verify(context.Background(), "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty token err = %v, want ErrUnauthorized", err)
	}
}

func TestMiddlewareAttachesIdentity(t *testing.T) {
	v := NewStaticVerifier(map[string]string{"tok-1": "u1"})
	var gotID string
	var gotOK bool
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotOK = UserID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !gotOK || gotID != "u1" {
		t.Errorf("identity = (%q, %v), want (u1, true)", gotID, gotOK)
	}

	// Unknown token passes through anonymously.
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if gotOK {
		t.Error("unknown token produced an identity")
	}

	// No header at all.
	req = httptest.NewRequest("GET", "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if gotOK {
		t.Error("missing header produced an identity")
	}
}
