package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestEventsStreamEmitsDocumentChangeEvents(t *testing.T) {
	server, issuer := newSyncTestServer(t)
	token := issueToken(t, issuer, "principal-123")

	streamRequest, err := http.NewRequest(http.MethodGet, server.URL+"/sync/events?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	streamReader := bufio.NewReader(streamResp.Body)

	body := `{"documents":[{"id":"wishlist-1","type":"wishlist","updated_at":1000,"payload":{"owner_id":"principal-123","title":"Birthday"}}]}`
	pushResp := pushDocuments(t, server, token, "wishlists", body)
	_ = pushResp.Body.Close()
	if pushResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected push status: %d", pushResp.StatusCode)
	}

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			if currentEventType != RealtimeEventDocumentChanged {
				continue
			}
			dataJSON := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var payload realtimeEventPayload
			if err := json.Unmarshal([]byte(dataJSON), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.Collection != "wishlists" {
				t.Fatalf("unexpected collection %q", payload.Collection)
			}
			if len(payload.DocumentIDs) == 0 || payload.DocumentIDs[0] != "wishlist-1" {
				t.Fatalf("unexpected document identifiers: %#v", payload.DocumentIDs)
			}
			return
		}
	}
}
