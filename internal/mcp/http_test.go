package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeHTTPServer answers MCP over streamable HTTP. When sse is true,
// responses are wrapped in an event stream preceded by a notification.
type fakeHTTPServer struct {
	sse bool

	mu       sync.Mutex
	sessions []string // Mcp-Session-Id seen per request
	deleted  bool
	notified int
}

func (s *fakeHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.sessions = append(s.sessions, r.Header.Get(sessionHeader))
	s.mu.Unlock()

	if r.Method == http.MethodDelete {
		s.mu.Lock()
		s.deleted = true
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var msg inbound
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if msg.ID == nil {
		s.mu.Lock()
		s.notified++
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch msg.Method {
	case "initialize":
		w.Header().Set(sessionHeader, "sess-123")
		result = initializeResult{ProtocolVersion: protocolVersion, ServerInfo: serverInfo{Name: "remote", Version: "2"}}
	case "tools/list":
		result = toolsListResult{Tools: []ToolDefinition{{Name: "lookup", Description: "Look something up"}}}
	case "tools/call":
		result = CallResult{Content: []ContentBlock{{Type: "text", Text: "found"}}}
	case "explode":
		http.Error(w, "internal failure", http.StatusInternalServerError)
		return
	default:
		http.Error(w, "nope", http.StatusNotFound)
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": *msg.ID, "result": result}
	if s.sse {
		w.Header().Set("Content-Type", "text/event-stream")
		note, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "notifications/progress"})
		data, _ := json.Marshal(resp)
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", note)
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestHTTP_ConnectListCall(t *testing.T) {
	for _, sse := range []bool{false, true} {
		t.Run(fmt.Sprintf("sse=%v", sse), func(t *testing.T) {
			fake := &fakeHTTPServer{sse: sse}
			srv := httptest.NewServer(fake)
			defer srv.Close()

			c, err := Connect(context.Background(), "remote", LaunchSpec{URL: srv.URL}, ConnectOptions{})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}

			tools, err := c.ListTools(context.Background())
			if err != nil {
				t.Fatalf("ListTools: %v", err)
			}
			if len(tools) != 1 || tools[0].Name != "lookup" {
				t.Fatalf("tools = %+v", tools)
			}

			res, err := c.CallTool(context.Background(), "lookup", map[string]any{"q": "x"})
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if res.Text() != "found" {
				t.Errorf("Text() = %q", res.Text())
			}

			if err := c.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			fake.mu.Lock()
			defer fake.mu.Unlock()
			if fake.notified != 1 {
				t.Errorf("notifications = %d, want 1", fake.notified)
			}
			if !fake.deleted {
				t.Error("session not deleted on Close")
			}
			// Every request after initialize carries the session.
			for i, sid := range fake.sessions[1:] {
				if sid != "sess-123" {
					t.Errorf("request %d session = %q, want sess-123", i+1, sid)
				}
			}
			if c.Done() != nil {
				t.Error("HTTP client should have no exit channel")
			}
		})
	}
}

func TestHTTP_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(&fakeHTTPServer{})
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	_, err := tr.Send(context.Background(), NewRequest(1, "explode", nil))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestHTTP_ClientErrorIsNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(&fakeHTTPServer{})
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	_, err := tr.Send(context.Background(), NewRequest(1, "missing", nil))
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want plain 404 error", err)
	}
}

func TestHTTP_Unreachable(t *testing.T) {
	srv := httptest.NewServer(&fakeHTTPServer{})
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: url})
	_, err := tr.Send(context.Background(), NewRequest(1, "tools/list", nil))
	if Classify(err) != KindBackendUnavailable {
		t.Errorf("error = %v, want BackendUnavailable", err)
	}
}

func TestHTTP_StaticHeaders(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t0k"}})
	if err := tr.Notify(context.Background(), NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if auth := <-got; auth != "Bearer t0k" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestHTTP_SendAfterClose(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{URL: "http://127.0.0.1:1"})
	_ = tr.Close()
	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestReadEventStream_NoResponse(t *testing.T) {
	stream := "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n"
	if _, err := readEventStream(strings.NewReader(stream), 1); err == nil {
		t.Fatal("expected error for stream without response")
	}
}

func TestReadEventStream_MultiLineData(t *testing.T) {
	stream := "data: {\"jsonrpc\":\"2.0\",\n" +
		"data: \"id\":5,\"result\":{}}\n\n"
	resp, err := readEventStream(strings.NewReader(stream), 5)
	if err != nil {
		t.Fatalf("readEventStream: %v", err)
	}
	if resp.ID != 5 {
		t.Errorf("ID = %d, want 5", resp.ID)
	}
}
