// Package chainclient implements chainview.ChainClient over the subnet's
// JSON-RPC endpoint (the BT_NETWORK config value). Built on net/http and
// encoding/json rather than a third-party RPC client: the pack's own
// tosclient (teacher) wraps the teacher's in-process rpc.Client, which only
// talks to a local node over IPC/websocket — there is no substrate-style
// subtensor RPC client anywhere in the retrieval pack to ground a non-stdlib
// implementation on, so this one stays a thin stdlib JSON-RPC caller (see
// DESIGN.md).
package chainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tos-network/resibroker/internal/chainview"
	"github.com/tos-network/resibroker/internal/keyid"
)

// Client implements chainview.ChainClient.
type Client struct {
	endpoint string
	http     *http.Client
}

func New(endpoint string) *Client {
	return &Client{endpoint: endpoint, http: &http.Client{Timeout: 30 * time.Second}}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chainclient: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("chainclient: %s: decoding response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("chainclient: %s: %s", method, rpcResp.Error.Message)
	}
	if out != nil {
		return json.Unmarshal(rpcResp.Result, out)
	}
	return nil
}

type metagraphPeer struct {
	Hotkey    string `json:"hotkey"`
	Index     int    `json:"index"`
	Validator bool   `json:"validator_permit"`
	Stake     string `json:"stake"`
}

// Metagraph fetches the full peer set for netuid.
func (c *Client) Metagraph(ctx context.Context, netuid uint16) (map[keyid.KeyId]chainview.PeerInfo, error) {
	var peers []metagraphPeer
	if err := c.call(ctx, "subnet_getMetagraph", []interface{}{netuid}, &peers); err != nil {
		return nil, err
	}

	out := make(map[keyid.KeyId]chainview.PeerInfo, len(peers))
	for _, p := range peers {
		k, err := keyid.Parse(p.Hotkey)
		if err != nil {
			continue
		}
		stake, err := decimal.NewFromString(p.Stake)
		if err != nil {
			stake = decimal.Zero
		}
		out[k] = chainview.PeerInfo{Index: p.Index, Validator: p.Validator, Stake: stake}
	}
	return out, nil
}

// VerifySignature asks the node to verify a signature. It is reachable only
// through chainview.View.VerifySignature, which no request path calls;
// request signatures are checked by internal/sigscheme.
func (c *Client) VerifySignature(ctx context.Context, pk, msg, sig []byte) (bool, error) {
	var ok bool
	err := c.call(ctx, "subnet_verifySignature", []interface{}{
		fmt.Sprintf("%x", pk), fmt.Sprintf("%x", msg), fmt.Sprintf("%x", sig),
	}, &ok)
	return ok, err
}
