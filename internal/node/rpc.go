package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/gompsolo/pkg/circuit"
	"github.com/bardlex/gompsolo/pkg/errors"
	"github.com/bardlex/gompsolo/pkg/jsonx"
	"github.com/bardlex/gompsolo/pkg/log"
	"github.com/bardlex/gompsolo/pkg/retry"
)

// RPC method names exposed by the node
const (
	methodGetBlockTemplate = "getBlockTemplate"
	methodSubmitBlock      = "submitBlock"
)

// RPCConfig configures the node connection
type RPCConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	PayAddress string
	// Timeout bounds one call including retries
	Timeout time.Duration
}

// RPCClient calls the node's JSON-RPC API over HTTP POST
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	payAddress     string
	timeout        time.Duration
	logger         *log.Logger
}

type templateResult struct {
	HeaderData  string `json:"headerData"`
	Target      string `json:"target"`
	IsSynced    *bool  `json:"isSynced"`
	IsSynch     *bool  `json:"isSynch"`
	BlockReward uint64 `json:"blockReward"`
}

// NewRPCClient creates a node client. No connection is made until the first call.
func NewRPCClient(cfg RPCConfig, logger *log.Logger, onStateChange func(name string, from, to circuit.State)) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "rpc_client_creation",
			"failed to create node RPC client").
			WithContext("host", cfg.Host).
			WithContext("port", cfg.Port)
	}

	cbConfig := circuit.NodeConfig()
	cbConfig.OnStateChange = onStateChange

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NodeConfig(),
		payAddress:     cfg.PayAddress,
		timeout:        timeout,
		logger:         logger.WithComponent("node_rpc"),
	}, nil
}

// Close shuts down the RPC client
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate fetches a fresh template. A template from a node that is
// not synced is returned with a warning.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*Template, error) {
	var params []json.RawMessage
	if c.payAddress != "" {
		p, err := jsonx.Marshal(map[string]string{"payAddress": c.payAddress})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "get_block_template", "failed to encode params")
		}
		params = append(params, p)
	}

	raw, err := c.call(ctx, methodGetBlockTemplate, params)
	if err != nil {
		return nil, err
	}

	tmpl, err := parseTemplate(raw)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsSynced {
		c.logger.Warn("node is not synced, mining on its template anyway")
	}
	return tmpl, nil
}

// SubmitBlock hands a solved header to the node
func (c *RPCClient) SubmitBlock(ctx context.Context, headerHex string) (string, error) {
	p, err := jsonx.Marshal(map[string]string{"header": headerHex})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "submit_block", "failed to encode params")
	}

	raw, err := c.call(ctx, methodSubmitBlock, []json.RawMessage{p})
	if err != nil {
		return "", err
	}
	return parseSubmitResult(raw)
}

// call runs one RPC through the breaker and retry policy, bounded by the
// client timeout
func (c *RPCClient) call(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (json.RawMessage, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (json.RawMessage, error) {
			return c.receive(ctx, method, params)
		})
	})
}

func (c *RPCClient) receive(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	type result struct {
		raw json.RawMessage
		err error
	}

	future := c.client.RawRequestAsync(method, params)
	done := make(chan result, 1)
	go func() {
		raw, err := future.Receive()
		done <- result{raw: raw, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, errors.Wrap(res.err, errors.ErrorTypeUpstream, method, "node RPC failed")
		}
		return res.raw, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, method, "node RPC timed out")
	}
}

func parseTemplate(raw json.RawMessage) (*Template, error) {
	var res templateResult
	if err := jsonx.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "parse_template", "malformed block template")
	}
	if res.HeaderData == "" {
		return nil, errors.New(errors.ErrorTypeUpstream, "parse_template", "block template has no header data")
	}

	tmpl := &Template{
		HeaderData:  strings.ToLower(res.HeaderData),
		Bits:        res.Target,
		BlockReward: res.BlockReward,
	}
	switch {
	case res.IsSynced != nil:
		tmpl.IsSynced = *res.IsSynced
	case res.IsSynch != nil:
		tmpl.IsSynced = *res.IsSynch
	}

	if _, err := tmpl.CompactBits(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "parse_template", "block template has invalid target bits").
			WithContext("target", res.Target)
	}
	return tmpl, nil
}

// parseSubmitResult treats any non-empty result as acceptance. Hash strings
// are normalized when they parse as a block hash.
func parseSubmitResult(raw json.RawMessage) (string, error) {
	var v any
	if len(raw) > 0 {
		if err := jsonx.Unmarshal(raw, &v); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeUpstream, "submit_block", "malformed submit result")
		}
	}

	switch r := v.(type) {
	case nil:
	case bool:
		if r {
			return "", nil
		}
	case string:
		if r == "" {
			break
		}
		if h, err := chainhash.NewHashFromStr(r); err == nil && len(r) == 2*chainhash.HashSize {
			return h.String(), nil
		}
		return r, nil
	default:
		return string(raw), nil
	}

	return "", errors.New(errors.ErrorTypeValidation, "submit_block", "node rejected block").
		WithContext("result", string(raw))
}
