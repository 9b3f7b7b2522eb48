package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bardlex/gompsolo/internal/node"
	"github.com/bardlex/gompsolo/internal/stratum"
	"github.com/bardlex/gompsolo/internal/validation"
	"github.com/bardlex/gompsolo/pkg/errors"
	"github.com/bardlex/gompsolo/pkg/log"
)

// 32 zero bytes followed by the 8 reserved bytes
var testHeader = strings.Repeat("00", 32) + strings.Repeat("11", 8)

const (
	// every hash is below this target
	bitsEasy = "2200ffff"
	// no hash is below this target
	bitsImpossible = "03000001"
)

type mockConn struct {
	id   string
	fail bool

	mu   sync.Mutex
	sent []*stratum.Message
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: id}
}

func (m *mockConn) ID() string         { return m.id }
func (m *mockConn) RemoteAddr() string { return "127.0.0.1:" + m.id }

func (m *mockConn) SendMessage(msg *stratum.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("connection %s is broken", m.id)
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockConn) messages() []*stratum.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*stratum.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockConn) last() *stratum.Message {
	msgs := m.messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (m *mockConn) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

func (m *mockConn) notifies() []*stratum.Message {
	var out []*stratum.Message
	for _, msg := range m.messages() {
		if msg.Method == stratum.MethodNotify {
			out = append(out, msg)
		}
	}
	return out
}

type mockNode struct {
	mu          sync.Mutex
	bits        string
	templateErr error
	submitErr   error
	submitHash  string
	submitted   []string
	templates   int
	reward      uint64
}

func newMockNode(bits string) *mockNode {
	return &mockNode{bits: bits, submitHash: strings.Repeat("ab", 32)}
}

func (n *mockNode) GetBlockTemplate(context.Context) (*node.Template, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.templates++
	if n.templateErr != nil {
		return nil, n.templateErr
	}
	return &node.Template{HeaderData: testHeader, Bits: n.bits, IsSynced: true, BlockReward: n.reward}, nil
}

func (n *mockNode) SubmitBlock(_ context.Context, headerHex string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitted = append(n.submitted, headerHex)
	if n.submitErr != nil {
		return "", n.submitErr
	}
	return n.submitHash, nil
}

func (n *mockNode) setBits(bits string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bits = bits
}

func (n *mockNode) submissions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.submitted)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingObserver struct {
	mu           sync.Mutex
	shares       []validation.Share
	blocks       []validation.Block
	difficulties []float64
}

func (o *recordingObserver) OnShare(s validation.Share, _ float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shares = append(o.shares, s)
}

func (o *recordingObserver) OnBlock(b validation.Block) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.blocks = append(o.blocks, b)
}

func (o *recordingObserver) OnDifficulty(_, current float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.difficulties = append(o.difficulties, current)
}

func testConfig() Config {
	return Config{
		PoolName:        "TestPool",
		ExtraNonceSize:  4,
		MaxExtraNonce:   4294967295,
		CleanJobs:       true,
		JobTimeout:      60 * time.Second,
		BlockTimeTarget: time.Second,
		BlockRetention:  20 * time.Millisecond,
		Difficulty: DifficultyConfig{
			Interval:   5,
			TargetTime: 5 * time.Second,
			Initial:    4,
			Variance:   0.2,
		},
		BroadcastWorkers: 4,
	}
}

func newTestCoordinator(cfg Config, n *mockNode, observers ...Observer) (*Coordinator, *fakeClock) {
	c := NewCoordinator(cfg, n, log.Discard(), observers...)
	clock := newFakeClock()
	c.setClock(clock.now)
	return c, clock
}

// authorizedConn subscribes and authorizes a new mock connection
func authorizedConn(c *Coordinator, id string) *mockConn {
	conn := newMockConn(id)
	if err := c.Subscribe(context.Background(), conn, float64(1), "solo"); err != nil {
		panic(err)
	}
	if !c.Authorize(conn, "miner-"+id, "x") {
		panic("authorize failed")
	}
	return conn
}

func currentJob(c *Coordinator, conn *mockConn) string {
	s, ok := c.registry.Get(conn.ID())
	if !ok {
		return ""
	}
	return s.CurrentJobID
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

var errNodeDown = errors.New(errors.ErrorTypeUpstream, "get_block_template", "node unreachable")
