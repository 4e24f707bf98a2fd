package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestNewSerialMux(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	if mux == nil {
		t.Fatal("NewSerialMux returned nil")
	}
	if len(mux.subscribers) != 0 {
		t.Errorf("new mux has %d subscribers", len(mux.subscribers))
	}
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.SubscribeBuffered(4)
	if id1 == id2 {
		t.Fatal("subscriber ids should be unique")
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("unsubscribed channel should be closed")
	}
	// unknown ids are ignored
	mux.Unsubscribe("missing")
	mux.Unsubscribe(id1)

	if len(mux.subscribers) != 1 {
		t.Errorf("expected 1 subscriber, got %d", len(mux.subscribers))
	}
}

func TestSerialMux_SendCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{name: "adds newline", command: "stats", want: "stats\n"},
		{name: "keeps newline", command: "stats\n", want: "stats\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := NewTestableSerialPort()
			mux := NewSerialMux(port)
			if err := mux.SendCommand(tt.command); err != nil {
				t.Fatalf("SendCommand() error = %v", err)
			}
			if got := string(port.GetWrittenData()); got != tt.want {
				t.Errorf("written = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSerialMux_SendCommandError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = errors.New("boom")
	mux := NewSerialMux(port)
	if err := mux.SendCommand("x"); err == nil {
		t.Error("expected write error")
	}
}

func TestSerialMux_MonitorFansOut(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadLines("deliver 4 1 2", "rendezvous 3 10\r")
	mux := NewSerialMux(port)

	_, a := mux.SubscribeBuffered(8)
	_, b := mux.SubscribeBuffered(8)

	if err := mux.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}

	for name, ch := range map[string]chan string{"a": a, "b": b} {
		var got []string
		for len(ch) > 0 {
			got = append(got, <-ch)
		}
		want := []string{"deliver 4 1 2", "rendezvous 3 10"}
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Errorf("subscriber %s got %q, want %q", name, got, want)
		}
	}
}

func TestSerialMux_MonitorDropsForSlowSubscriber(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadLines("stats 10 20", "stats 11 20", "stats 12 20")
	mux := NewSerialMux(port)
	_, ch := mux.SubscribeBuffered(1)

	if err := mux.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	if len(ch) != 1 {
		t.Errorf("buffered %d lines, want 1", len(ch))
	}
	if mux.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", mux.Dropped())
	}
}

func TestSerialMux_MonitorReadError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("device unplugged")
	mux := NewSerialMux(port)

	if err := mux.Monitor(context.Background()); err == nil || !strings.Contains(err.Error(), "unplugged") {
		t.Errorf("Monitor() error = %v, want read error", err)
	}
}

func TestSerialMux_MonitorCancel(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	mux.Close()
}

func TestSerialMux_Close(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	if !port.Closed {
		t.Error("port should be closed")
	}
}

func debugRequest(method, target string, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = "127.0.0.1:4000"
	return req
}

func TestSerialMux_AdminRoutes(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	t.Run("console page", func(t *testing.T) {
		rec := httptest.NewRecorder()
		httpMux.ServeHTTP(rec, debugRequest(http.MethodGet, "/debug/console", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "EventSource") {
			t.Error("console page should stream the tail")
		}
	})

	t.Run("send command", func(t *testing.T) {
		rec := httptest.NewRecorder()
		form := url.Values{"command": {"stats"}}.Encode()
		httpMux.ServeHTTP(rec, debugRequest(http.MethodPost, "/debug/send-command-api", form))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		if got := string(port.GetWrittenData()); got != "stats\n" {
			t.Errorf("written = %q", got)
		}
	})

	t.Run("send command rejects GET", func(t *testing.T) {
		rec := httptest.NewRecorder()
		httpMux.ServeHTTP(rec, debugRequest(http.MethodGet, "/debug/send-command-api", ""))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})

	t.Run("send command requires command", func(t *testing.T) {
		rec := httptest.NewRecorder()
		httpMux.ServeHTTP(rec, debugRequest(http.MethodPost, "/debug/send-command-api", "command=+"))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestSerialMux_TailStreamsLines(t *testing.T) {
	port := NewLinePort()
	defer port.Close()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)
	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/tail", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("tail request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// the subscription exists once the ping has been flushed
	buf := make([]byte, 64)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("read ping: %v", err)
	}

	go func() {
		for i := 0; i < 50 && ctx.Err() == nil; i++ {
			port.Feed().Write([]byte("generate 7 3\n"))
			time.Sleep(10 * time.Millisecond)
		}
	}()

	var got strings.Builder
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(got.String(), "data: generate 7 3") {
		n, err := resp.Body.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(got.String(), "data: generate 7 3") {
		t.Errorf("tail output %q missing line", got.String())
	}
}
