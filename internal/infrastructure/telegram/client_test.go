package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendMessage(t *testing.T) {
	var gotPath string
	var gotBody sendMessageRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(apiResponse{OK: true})
	}))
	defer srv.Close()

	c := New("test-token", nil, WithBaseURL(srv.URL))
	if err := c.SendMessage(context.Background(), "12345", "time for Metformin"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(gotPath, "/bottest-token/sendMessage") {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.ChatID != "12345" || gotBody.Text != "time for Metformin" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestSendMessageAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(apiResponse{OK: false, ErrorCode: 400, Description: "chat not found"})
	}))
	defer srv.Close()

	c := New("test-token", nil, WithBaseURL(srv.URL))
	err := c.SendMessage(context.Background(), "12345", "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("err = %v", err)
	}
}

func TestSendMessageNotConfigured(t *testing.T) {
	c := New("", nil)
	if err := c.SendMessage(context.Background(), "12345", "hello"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}
