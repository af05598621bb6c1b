package chainclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tos-network/resibroker/internal/keyid"
)

func hexKey(b byte) string {
	var k keyid.KeyId
	for i := range k {
		k[i] = b
	}
	return k.String()
}

func TestMetagraphParsesPeersAndSkipsMalformedHotkeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Method != "subnet_getMetagraph" {
			t.Fatalf("unexpected method: %s", req.Method)
		}
		fmtWrite(w, `{"jsonrpc":"2.0","id":1,"result":[
			{"hotkey":"`+hexKey(0xAA)+`","index":0,"validator_permit":true,"stake":"1500.5"},
			{"hotkey":"not-hex","index":1,"validator_permit":false,"stake":"0"}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	peers, err := c.Metagraph(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected the malformed hotkey to be skipped, got %d peers", len(peers))
	}
	k, _ := keyid.Parse(hexKey(0xAA))
	info, ok := peers[k]
	if !ok {
		t.Fatal("expected the well-formed peer to be present")
	}
	if !info.Validator || info.Index != 0 {
		t.Fatalf("unexpected peer info: %+v", info)
	}
	if info.Stake.String() != "1500.5" {
		t.Fatalf("unexpected stake: %s", info.Stake)
	}
}

func TestMetagraphSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmtWrite(w, `{"jsonrpc":"2.0","id":1,"error":{"message":"subnet not found"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Metagraph(context.Background(), 999)
	if err == nil || !strings.Contains(err.Error(), "subnet not found") {
		t.Fatalf("expected the RPC error message to surface, got %v", err)
	}
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "subnet_verifySignature" {
			t.Fatalf("unexpected method: %s", req.Method)
		}
		fmtWrite(w, `{"jsonrpc":"2.0","id":1,"result":true}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	ok, err := c.VerifySignature(context.Background(), []byte("pk"), []byte("msg"), []byte("sig"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected the mocked node to report a valid signature")
	}
}

func fmtWrite(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}
