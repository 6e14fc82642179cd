package transcribe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWhisperModelRequest(t *testing.T) {
	var gotBeam, gotLang, gotType string
	var gotRIFF bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBeam = r.URL.Query().Get("beam_size")
		gotLang = r.URL.Query().Get("language")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotRIFF = len(body) > 44 && string(body[:4]) == "RIFF" && string(body[8:12]) == "WAVE"
		w.Write([]byte(`{"text":"  where is my order  "}`))
	}))
	defer srv.Close()

	m := NewWhisperModel(WhisperConfig{URL: srv.URL + "/asr", Language: "en"}, nil)
	text, err := m.Transcribe(context.Background(), make([]float32, 1600), 16000, Thorough)
	if err != nil {
		t.Fatal(err)
	}
	if text != "where is my order" {
		t.Fatalf("text = %q", text)
	}
	if gotBeam != "5" || gotLang != "en" || gotType != "audio/wav" || !gotRIFF {
		t.Fatalf("beam=%q lang=%q type=%q riff=%v", gotBeam, gotLang, gotType, gotRIFF)
	}

	if _, err := m.Transcribe(context.Background(), make([]float32, 160), 16000, Fast); err != nil {
		t.Fatal(err)
	}
	if gotBeam != "1" {
		t.Fatalf("fast beam = %q", gotBeam)
	}
}

func TestWhisperModelRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	m := NewWhisperModel(WhisperConfig{URL: srv.URL, Backoff: time.Millisecond}, nil)
	text, err := m.Transcribe(context.Background(), make([]float32, 160), 16000, Fast)
	if err != nil || text != "ok" {
		t.Fatalf("text = %q, err = %v", text, err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d", hits.Load())
	}
}

func TestWhisperModelClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	m := NewWhisperModel(WhisperConfig{URL: srv.URL, Attempts: 3, Backoff: time.Millisecond}, nil)
	if _, err := m.Transcribe(context.Background(), make([]float32, 160), 16000, Fast); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d", hits.Load())
	}
}

func TestWhisperModelUnconfigured(t *testing.T) {
	m := NewWhisperModel(WhisperConfig{}, nil)
	if _, err := m.Transcribe(context.Background(), nil, 16000, Fast); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("err = %v", err)
	}
}
