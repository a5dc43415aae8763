package memex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransferSendsBearerAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/node/api/v0/wallet/transfer" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer alice" {
			t.Fatalf("expected bearer agent, got %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if body["to_agent_id"] != "bob" || body["amount"] != "0.25" {
			t.Fatalf("unexpected payload: %v", body)
		}
		_, _ = w.Write([]byte(`{"id":"tx-1","from_agent_id":"alice","to_agent_id":"bob","amount":0.25,"type":"transfer"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/node", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAgent("alice")

	tx, err := client.Transfer(context.Background(), "bob", "0.25", "")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if tx.ID != "tx-1" || tx.Amount.String() != "0.25" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
}

func TestAuthenticatedCallRequiresAgent(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Wallet(context.Background()); err == nil {
		t.Fatalf("expected error without agent id")
	}
	if called {
		t.Fatalf("request should not be sent without agent id")
	}
}

func TestConfigQueryAndPublicCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Fatalf("public call must not send credentials")
		}
		switch r.URL.Path {
		case "/api/v0/config":
			if r.URL.Query().Get("epoch") != "42" {
				t.Fatalf("unexpected query: %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"epoch":42,"current":{"version":1,"effective_epoch":40,"fees":{"tasks":0.02}},"scheduled":{"version":2,"effective_epoch":90}}`))
		case "/api/v0/governance/proposals":
			if r.URL.Query().Get("status") != "active,passed" {
				t.Fatalf("unexpected status filter: %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"proposals":[{"id":"p-1","status":"active","votes_yes":100.5}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAgent("alice")

	snapshot, err := client.Config(context.Background(), 42)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if snapshot.Current.Version != 1 || snapshot.Scheduled == nil || snapshot.Scheduled.EffectiveEpoch != 90 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot.Current.Fees["tasks"].String() != "0.02" {
		t.Fatalf("unexpected fee: %v", snapshot.Current.Fees)
	}

	proposals, err := client.Proposals(context.Background(), "active", "passed")
	if err != nil {
		t.Fatalf("proposals: %v", err)
	}
	if len(proposals) != 1 || proposals[0].VotesYes.String() != "100.5" {
		t.Fatalf("unexpected proposals: %+v", proposals)
	}
}

func TestFounderSecretHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(founderSecretHeader) != "s3cret" {
			t.Fatalf("missing founder secret")
		}
		_, _ = w.Write([]byte(`{"epoch":7}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAgent("founder")
	client.SetFounderSecret("s3cret")

	epoch, err := client.AdvanceEpoch(context.Background(), 2)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if epoch != 7 {
		t.Fatalf("unexpected epoch: %d", epoch)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"code":"INSUFFICIENT_FUNDS","message":"可用余额不足","details":{"required":"5","available":"0.5"}}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAgent("alice")

	_, err = client.Stake(context.Background(), "5")
	if !IsCode(err, "INSUFFICIENT_FUNDS") {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusPaymentRequired || apiErr.Details["available"] != "0.5" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}
