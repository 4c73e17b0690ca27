package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/giftcircle/giftcircle/backend/internal/document"
	"github.com/giftcircle/giftcircle/backend/internal/syncerr"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{
		BaseURL:     server.URL,
		TokenSource: func() (string, error) { return "test-token", nil },
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client, server
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(ClientConfig{TokenSource: func() (string, error) { return "", nil }}); err == nil {
		t.Fatal("expected missing base url to fail")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "http://localhost"}); err == nil {
		t.Fatal("expected missing token source to fail")
	}
}

func TestPullSendsCheckpointAndBearerToken(t *testing.T) {
	var captured *http.Request
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		_ = json.NewEncoder(w).Encode(pullResponsePayload{
			Documents: []document.Document{{
				ID:             "wishlist-1",
				Collection:     document.CollectionWishlist,
				Access:         []string{"principal-a"},
				UpdatedAtMilli: 1000,
			}},
			Checkpoint: &document.Checkpoint{UpdatedAtMilli: 1000, ID: "wishlist-1"},
		})
	}))

	page, err := client.Pull(context.Background(), document.CollectionWishlist,
		document.Checkpoint{UpdatedAtMilli: 500, ID: "wishlist-0"}, 25)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	if captured.URL.Path != "/sync/pull/wishlists" {
		t.Fatalf("unexpected path %q", captured.URL.Path)
	}
	if got := captured.Header.Get("Authorization"); got != "Bearer test-token" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	query := captured.URL.Query()
	if query.Get("checkpoint_updated_at") != "500" || query.Get("checkpoint_id") != "wishlist-0" {
		t.Fatalf("unexpected checkpoint query %v", query)
	}
	if query.Get("limit") != "25" {
		t.Fatalf("unexpected limit %q", query.Get("limit"))
	}
	if len(page.Documents) != 1 || page.Documents[0].ID != "wishlist-1" {
		t.Fatalf("unexpected page documents %+v", page.Documents)
	}
	if page.Checkpoint == nil || page.Checkpoint.ID != "wishlist-1" {
		t.Fatalf("unexpected page checkpoint %+v", page.Checkpoint)
	}
}

func TestPushEncodesBatchAndDecodesConflicts(t *testing.T) {
	var received pushRequestPayload
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sync/push/marks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode push body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(pushResponsePayload{
			Conflicts: []document.Conflict{{DocumentID: "mark-1", Reason: document.ConflictReasonDenied}},
		})
	}))

	conflicts, err := client.Push(context.Background(), document.CollectionMark, []document.Document{{
		ID:             "mark-1",
		Collection:     document.CollectionMark,
		UpdatedAtMilli: 1000,
	}})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if len(received.Documents) != 1 || received.Documents[0].ID != "mark-1" {
		t.Fatalf("unexpected batch received by server: %+v", received.Documents)
	}
	if len(conflicts) != 1 || conflicts[0].Reason != document.ConflictReasonDenied {
		t.Fatalf("unexpected conflicts %+v", conflicts)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
		label  string
	}{
		{name: "unauthorized is fatal", status: http.StatusUnauthorized, check: syncerr.IsAuth, label: "auth"},
		{name: "forbidden is fatal", status: http.StatusForbidden, check: syncerr.IsAuth, label: "auth"},
		{name: "server error is retryable", status: http.StatusInternalServerError, check: syncerr.IsNetwork, label: "network"},
		{name: "bad gateway is retryable", status: http.StatusBadGateway, check: syncerr.IsNetwork, label: "network"},
		{name: "request timeout is retryable", status: http.StatusRequestTimeout, check: syncerr.IsNetwork, label: "network"},
		{name: "throttling is retryable", status: http.StatusTooManyRequests, check: syncerr.IsNetwork, label: "network"},
		{name: "bad request is protocol", status: http.StatusBadRequest, check: func(err error) bool {
			var syncErr *syncerr.SyncError
			return errors.As(err, &syncErr) && syncErr.Code == syncerr.CodeProto
		}, label: "protocol"},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
			}))
			_, err := client.Pull(context.Background(), document.CollectionWishlist, document.ZeroCheckpoint(), 10)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !testCase.check(err) {
				t.Fatalf("expected %s classification, got %v", testCase.label, err)
			}
		})
	}
}

func TestUnreachableGatewayIsNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // nothing is listening anymore

	client, err := NewClient(ClientConfig{
		BaseURL:     server.URL,
		TokenSource: func() (string, error) { return "test-token", nil },
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	_, err = client.Pull(context.Background(), document.CollectionWishlist, document.ZeroCheckpoint(), 10)
	if !syncerr.IsNetwork(err) {
		t.Fatalf("expected network failure, got %v", err)
	}
	if syncerr.IsRetryable(err) != true {
		t.Fatalf("expected connection failure to be retryable, got %v", err)
	}
}

func TestTokenSourceFailureIsAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client, err := NewClient(ClientConfig{
		BaseURL:     server.URL,
		TokenSource: func() (string, error) { return "", errors.New("session expired") },
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	_, err = client.Push(context.Background(), document.CollectionWishlist, nil)
	if !syncerr.IsAuth(err) {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestMalformedResponseIsProtocolFailure(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	_, err := client.Pull(context.Background(), document.CollectionWishlist, document.ZeroCheckpoint(), 10)
	var syncErr *syncerr.SyncError
	if !errors.As(err, &syncErr) || syncErr.Code != syncerr.CodeProto {
		t.Fatalf("expected protocol failure, got %v", err)
	}
}
