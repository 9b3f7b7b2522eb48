package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gompsolo/pkg/errors"
	"github.com/bardlex/gompsolo/pkg/jsonx"
	"github.com/bardlex/gompsolo/pkg/log"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     any               `json:"id"`
}

// fakeNode answers JSON-RPC calls from a table of canned results
type fakeNode struct {
	mu       sync.Mutex
	results  map[string]string
	requests []rpcRequest
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req rpcRequest
	_ = jsonx.Unmarshal(body, &req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	result, ok := f.results[req.Method]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		_, _ = io.WriteString(w, `{"result":null,"error":{"code":-32601,"message":"method not found"},"id":1}`)
		return
	}
	_, _ = io.WriteString(w, `{"result":`+result+`,"error":null,"id":1}`)
}

func (f *fakeNode) lastParams(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 || len(f.requests[len(f.requests)-1].Params) == 0 {
		t.Fatal("no params recorded")
	}
	var out map[string]any
	if err := jsonx.Unmarshal(f.requests[len(f.requests)-1].Params[0], &out); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	return out
}

func newTestClient(t *testing.T, node *fakeNode) *RPCClient {
	t.Helper()
	ts := httptest.NewServer(node)
	t.Cleanup(ts.Close)

	hostPort := strings.TrimPrefix(ts.URL, "http://")
	idx := strings.LastIndex(hostPort, ":")
	port, err := strconv.Atoi(hostPort[idx+1:])
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	client, err := NewRPCClient(RPCConfig{
		Host:       hostPort[:idx],
		Port:       port,
		User:       "user",
		Password:   "pass",
		PayAddress: "kaspa:qz0000",
		Timeout:    5 * time.Second,
	}, log.Discard(), nil)
	if err != nil {
		t.Fatalf("NewRPCClient() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRPCClient_GetBlockTemplate(t *testing.T) {
	node := &fakeNode{results: map[string]string{
		methodGetBlockTemplate: `{"headerData":"AABBCC0011223344556677","target":"1d00ffff","isSynch":true,"blockReward":50000000000}`,
	}}
	client := newTestClient(t, node)

	tmpl, err := client.GetBlockTemplate(context.Background())
	if err != nil {
		t.Fatalf("GetBlockTemplate() error = %v", err)
	}

	if tmpl.HeaderData != "aabbcc0011223344556677" {
		t.Errorf("HeaderData = %s", tmpl.HeaderData)
	}
	if !tmpl.IsSynced {
		t.Error("isSynch=true should mark the template synced")
	}
	if tmpl.RewardCoins() != 500 {
		t.Errorf("RewardCoins() = %v, want 500", tmpl.RewardCoins())
	}
	target, err := tmpl.Target()
	if err != nil || target != "00000000ffff"+strings.Repeat("0", 52) {
		t.Errorf("Target() = %s, %v", target, err)
	}
	if got := node.lastParams(t)["payAddress"]; got != "kaspa:qz0000" {
		t.Errorf("payAddress param = %v", got)
	}
}

func TestRPCClient_SubmitBlock(t *testing.T) {
	hash := "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
	node := &fakeNode{results: map[string]string{methodSubmitBlock: `"` + strings.ToUpper(hash) + `"`}}
	client := newTestClient(t, node)

	got, err := client.SubmitBlock(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("SubmitBlock() error = %v", err)
	}
	if got != hash {
		t.Errorf("SubmitBlock() = %s, want %s", got, hash)
	}
	if header := node.lastParams(t)["header"]; header != "deadbeef" {
		t.Errorf("header param = %v", header)
	}
}

func TestRPCClient_UpstreamError(t *testing.T) {
	client := newTestClient(t, &fakeNode{results: map[string]string{}})

	_, err := client.GetBlockTemplate(context.Background())
	if err == nil {
		t.Fatal("expected error from node")
	}
	if !errors.IsType(err, errors.ErrorTypeUpstream) {
		t.Errorf("error type = %v, want upstream", err)
	}
}

func TestParseTemplate(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantSynced bool
		wantErr    bool
	}{
		{"isSynced field", `{"headerData":"00","target":"2000ffff","isSynced":true}`, true, false},
		{"isSynch field", `{"headerData":"00","target":"2000ffff","isSynch":true}`, true, false},
		{"missing sync flag", `{"headerData":"00","target":"2000ffff"}`, false, false},
		{"not synced", `{"headerData":"00","target":"2000ffff","isSynced":false}`, false, false},
		{"empty header", `{"headerData":"","target":"2000ffff"}`, false, true},
		{"bad bits", `{"headerData":"00","target":"xyz"}`, false, true},
		{"not an object", `[]`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := parseTemplate(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTemplate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tmpl.IsSynced != tt.wantSynced {
				t.Errorf("IsSynced = %v, want %v", tmpl.IsSynced, tt.wantSynced)
			}
		})
	}
}

func TestParseSubmitResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"null rejects", `null`, "", true},
		{"false rejects", `false`, "", true},
		{"empty string rejects", `""`, "", true},
		{"true accepts", `true`, "", false},
		{"opaque string accepts", `"accepted"`, "accepted", false},
		{"object accepts", `{"report":"BLOCK_ADDED"}`, `{"report":"BLOCK_ADDED"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSubmitResult(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSubmitResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseSubmitResult() = %q, want %q", got, tt.want)
			}
		})
	}
}
