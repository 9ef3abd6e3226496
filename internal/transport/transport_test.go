package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSendToUnknownAgentFails(t *testing.T) {
	h := NewHub(time.Second, 3*time.Second, 0)
	if h.Send("ghost", []byte("x")) {
		t.Fatalf("expected send to unknown agent to fail")
	}
	if h.Connected("ghost") {
		t.Fatalf("expected ghost to be disconnected")
	}
}

func TestHTTPSenderPostsJSON(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewHTTPSender()
	if err := sender.Post(context.Background(), srv.URL, []byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("post: %v", err)
	}
	if string(gotBody) != `{"hello":"world"}` {
		t.Fatalf("unexpected body: %s", gotBody)
	}
}
