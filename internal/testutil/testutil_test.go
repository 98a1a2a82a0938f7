package testutil

import (
	"io"
	"net/http"
	"testing"
)

func TestServe(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.RemoteAddr != LoopbackAddr {
			t.Errorf("RemoteAddr = %q", r.RemoteAddr)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write(body)
	})

	rec := Serve(h, http.MethodPut, "/api/config", `{"debug_print":true}`)
	AssertStatusCode(t, rec.Code, http.StatusAccepted)

	got := DecodeJSON[map[string]bool](t, rec)
	if !got["debug_print"] {
		t.Errorf("decoded %v", got)
	}
}

func TestNewRequest_NoBody(t *testing.T) {
	t.Parallel()

	req := NewRequest(http.MethodGet, "/api/faces", "")
	if req.Header.Get("Content-Type") != "" {
		t.Errorf("unexpected Content-Type %q", req.Header.Get("Content-Type"))
	}
	if req.URL.Path != "/api/faces" {
		t.Errorf("path = %q", req.URL.Path)
	}
}
