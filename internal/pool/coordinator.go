// Package pool is the solo pool's core: miner sessions, extra-nonce
// allocation, jobs, share validation and difficulty retargeting, dispatched
// from the Stratum protocol handler.
package pool

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gompsolo/internal/metrics"
	"github.com/bardlex/gompsolo/internal/node"
	"github.com/bardlex/gompsolo/internal/stratum"
	"github.com/bardlex/gompsolo/internal/validation"
	"github.com/bardlex/gompsolo/pkg/errors"
	"github.com/bardlex/gompsolo/pkg/log"
)

// Config holds the pool parameters consumed by the core
type Config struct {
	PoolName       string
	ExtraNonceSize int
	MaxExtraNonce  uint64

	CleanJobs  bool
	JobTimeout time.Duration
	// BlockTimeTarget paces the periodic work broadcast
	BlockTimeTarget time.Duration
	// BlockRetention is how long a job whose block the node accepted is kept
	BlockRetention time.Duration

	Difficulty            DifficultyConfig
	AllowClientDifficulty bool

	BroadcastWorkers int
}

// Observer receives pool events. Implementations must not block.
type Observer interface {
	OnShare(share validation.Share, hashrate float64)
	OnBlock(block validation.Block)
	OnDifficulty(previous, current float64)
}

// PoolInfo is the pool metadata shown on the dashboard
type PoolInfo struct {
	PoolName      string    `json:"poolName"`
	Difficulty    float64   `json:"difficulty"`
	BlocksFound   uint64    `json:"blocksFound"`
	Miners        int       `json:"miners"`
	Authenticated int       `json:"authenticated"`
	Jobs          int       `json:"jobs"`
	Hashrate      float64   `json:"hashrate"`
	BlockReward   float64   `json:"blockReward"`
	StartedAt     time.Time `json:"startedAt"`
}

// SubmitOutcome is the verdict on one mining.submit
type SubmitOutcome struct {
	Valid     bool
	Hash      string
	BlockHash string
	Accepted  bool
}

var errDuplicateShare = errors.New(errors.ErrorTypeValidation, "submit_share", "duplicate share")

// Coordinator owns the registry, job store, share window and difficulty
// state. Each structure locks independently and no lock is held across a
// node call.
type Coordinator struct {
	cfg       Config
	logger    *log.Logger
	node      node.Client
	validator *validation.ShareValidator

	registry   *Registry
	jobs       *JobManager
	difficulty *DifficultyEngine

	observers   []Observer
	blocksFound atomic.Uint64
	startedAt   time.Time
	workSignal  chan struct{}

	now func() time.Time
}

// NewCoordinator wires the core around a node client
func NewCoordinator(cfg Config, client node.Client, logger *log.Logger, observers ...Observer) *Coordinator {
	if cfg.BroadcastWorkers < 1 {
		cfg.BroadcastWorkers = 1
	}
	logger = logger.WithComponent("pool")
	c := &Coordinator{
		cfg:        cfg,
		logger:     logger,
		node:       client,
		validator:  validation.NewShareValidator(cfg.ExtraNonceSize),
		registry:   NewRegistry(cfg.MaxExtraNonce),
		jobs:       NewJobManager(client, cfg.JobTimeout, logger),
		difficulty: NewDifficultyEngine(cfg.Difficulty),
		observers:  observers,
		startedAt:  time.Now(),
		workSignal: make(chan struct{}, 1),
		now:        time.Now,
	}
	metrics.RecordDifficulty(c.difficulty.Current(), false)
	return c
}

// Subscribe registers conn and answers the subscribe request. On success the
// first job follows immediately with cleanJobs set.
func (c *Coordinator) Subscribe(ctx context.Context, conn stratum.Conn, id any, userHint string) error {
	session, err := c.registry.Register(conn, userHint, c.now())
	if err != nil {
		c.logger.WithError(err).Warn("subscription refused", "remote_addr", conn.RemoteAddr())
		if sendErr := conn.SendMessage(stratum.NewErrorResponse(id, "pool is full")); sendErr != nil {
			c.logger.WithError(sendErr).Debug("failed to send subscribe refusal")
		}
		return err
	}

	c.logger.Info("miner subscribed",
		"session_id", conn.ID(),
		"user", session.User,
		"subscription_id", session.SubscriptionID,
		"extra_nonce", session.ExtraNonce,
	)
	metrics.RecordMiners(c.registry.Len(), c.totalHashrate())

	resp := stratum.NewSubscribeResponse(id, c.cfg.PoolName, session.SubscriptionID,
		c.validator.FormatExtraNonce(session.ExtraNonce), c.validator.ExtraNonceSize())
	if err := conn.SendMessage(resp); err != nil {
		return err
	}
	return c.Notify(ctx, conn, true)
}

// Authorize applies the solo policy: any non-empty user and credential
func (c *Coordinator) Authorize(conn stratum.Conn, user, credential string) bool {
	ok := c.registry.Authorize(conn.ID(), user, credential)
	if ok {
		c.logger.Info("miner authorized", "session_id", conn.ID(), "user", user)
	} else {
		c.logger.Info("miner authorization failed", "session_id", conn.ID(), "user", user)
	}
	return ok
}

// IsAuthenticated reports whether the connection completed authorize
func (c *Coordinator) IsAuthenticated(conn stratum.Conn) bool {
	s, ok := c.registry.Get(conn.ID())
	return ok && s.Authenticated
}

// Notify issues a job to conn. Node failures are logged and swallowed; the
// miner keeps its previous work until the next cycle.
func (c *Coordinator) Notify(ctx context.Context, conn stratum.Conn, cleanJobs bool) error {
	session, ok := c.registry.Get(conn.ID())
	if !ok {
		return nil
	}

	job, err := c.jobs.Issue(ctx)
	if err != nil {
		metrics.RecordNodeError("get_block_template")
		c.logger.WithError(err).Warn("job issue failed", "session_id", conn.ID())
		return nil
	}

	if !c.registry.SetCurrentJob(conn.ID(), job.ID) {
		// the session left while the template was in flight
		c.jobs.Delete(job.ID)
		return nil
	}

	notify := stratum.NewNotify(job.ID, job.HeaderHex, c.validator.FormatExtraNonce(session.ExtraNonce), cleanJobs)
	if err := conn.SendMessage(notify); err != nil {
		return err
	}
	c.logger.WithJob(job.ID).LogJobIssued(job.ID, fmt.Sprintf("%08x", job.Bits), cleanJobs)
	metrics.RecordJobIssued()
	return nil
}

// Submit validates one share and answers it. Unknown and expired jobs get no
// answer; an expired job is replaced with fresh work instead.
func (c *Coordinator) Submit(ctx context.Context, conn stratum.Conn, id any, req *stratum.SubmitRequest) (*SubmitOutcome, error) {
	session, ok := c.registry.Get(conn.ID())
	if !ok || !session.Authenticated {
		return nil, errors.New(errors.ErrorTypeUnauthorized, "submit_share", "session not authorized")
	}
	logger := c.logger.WithJob(req.JobID).WithFields("session_id", conn.ID())

	job, err := c.jobs.Get(req.JobID)
	if err != nil {
		logger.Warn("share for unknown job")
		return nil, err
	}

	if c.jobs.Expire(job.ID) {
		logger.Info("job expired, sending new work")
		metrics.RecordShare(metrics.StatusStale)
		if err := c.Notify(ctx, conn, true); err != nil {
			logger.WithError(err).Warn("failed to send replacement job")
		}
		return nil, errors.New(errors.ErrorTypeJobExpired, "submit_share", "job expired").
			WithContext("job_id", job.ID)
	}

	key := fmt.Sprintf("%d:%s:%s", session.ExtraNonce, strings.ToLower(req.ExtraNonce2), strings.ToLower(req.Nonce))
	if !c.jobs.MarkSeen(job.ID, key) {
		logger.Warn("duplicate share")
		metrics.RecordShare(metrics.StatusDuplicate)
		if err := conn.SendMessage(stratum.NewErrorResponse(id, "Duplicate share")); err != nil {
			logger.WithError(err).Debug("failed to answer duplicate share")
		}
		return nil, errDuplicateShare
	}

	outcome := &SubmitOutcome{}
	result, err := c.validator.Validate(job, session.ExtraNonce, req.ExtraNonce2, req.Nonce)
	if err != nil {
		logger.WithError(err).Warn("share could not be decoded")
	} else {
		outcome.Valid = result.Valid
		outcome.Hash = result.Hash
	}

	if outcome.Valid {
		c.submitBlock(ctx, logger, session, job, result, outcome)
	}

	now := c.now()
	share := validation.Share{Timestamp: now, Valid: outcome.Valid, User: session.User, JobID: job.ID}
	c.difficulty.RecordShare(share)
	updated, _ := c.registry.RecordShare(conn.ID(), now)

	logger.LogShareSubmission(share.User, share.JobID, share.Valid, updated.Hashrate)
	if outcome.Valid {
		metrics.RecordShare(metrics.StatusValid)
	} else {
		metrics.RecordShare(metrics.StatusInvalid)
	}
	for _, o := range c.observers {
		o.OnShare(share, updated.Hashrate)
	}

	if err := conn.SendMessage(stratum.NewResponse(id, outcome.Valid)); err != nil {
		logger.WithError(err).Debug("failed to answer share")
	}
	if !outcome.Valid {
		if err := c.Notify(ctx, conn, c.cfg.CleanJobs); err != nil {
			logger.WithError(err).Warn("failed to send new work")
		}
	}

	if c.difficulty.Tick() {
		c.AdjustDifficulty(ctx)
	}
	return outcome, nil
}

// submitBlock forwards a solved header to the node. An accepted block keeps
// its job for the confirmation window.
func (c *Coordinator) submitBlock(ctx context.Context, logger *log.Logger, session MinerSession, job *validation.Job, result *validation.Result, outcome *SubmitOutcome) {
	logger.Info("block candidate found", "hash", result.Hash, "user", session.User)

	blockHash, err := c.node.SubmitBlock(ctx, result.HeaderHex)
	outcome.Accepted = err == nil
	outcome.BlockHash = blockHash

	if outcome.Accepted {
		c.blocksFound.Add(1)
		c.jobs.Retain(job.ID, c.cfg.BlockRetention)
	} else {
		metrics.RecordNodeError("submit_block")
		logger.WithError(err).Error("block submission failed")
		if c.cfg.CleanJobs {
			c.jobs.Delete(job.ID)
		}
	}

	logger.LogBlockFound(blockHash, session.User, job.ID, outcome.Accepted)
	metrics.RecordBlock(outcome.Accepted)

	block := validation.Block{
		Hash:     blockHash,
		Header:   result.HeaderHex,
		User:     session.User,
		JobID:    job.ID,
		Accepted: outcome.Accepted,
		FoundAt:  c.now(),
	}
	for _, o := range c.observers {
		o.OnBlock(block)
	}
}

// AdjustDifficulty runs one retarget and broadcasts the result
func (c *Coordinator) AdjustDifficulty(ctx context.Context) {
	adj, ok := c.difficulty.Adjust()
	if !ok {
		c.logger.Debug("difficulty adjustment skipped")
		return
	}

	c.logger.Info("difficulty adjusted",
		"difficulty", adj.Current,
		"avg_ratio", adj.AvgRatio,
		"raw_ratio", adj.RawRatio,
		"share_rate", adj.ObservedRate,
		"target_rate", adj.TargetRate,
	)
	metrics.RecordDifficulty(adj.Current, true)
	for _, o := range c.observers {
		o.OnDifficulty(adj.Previous, adj.Current)
	}

	sent := c.BroadcastDifficulty(ctx)
	c.logger.LogDifficultyChange(adj.Previous, adj.Current, sent)
}

// SetDifficulty overwrites the pool difficulty and broadcasts it
func (c *Coordinator) SetDifficulty(ctx context.Context, d float64) float64 {
	previous := c.difficulty.Current()
	current := c.difficulty.Set(d)
	metrics.RecordDifficulty(current, false)
	for _, o := range c.observers {
		o.OnDifficulty(previous, current)
	}
	c.BroadcastDifficulty(ctx)
	return current
}

// BroadcastDifficulty sends the current difficulty to every authenticated
// session and returns how many sends succeeded
func (c *Coordinator) BroadcastDifficulty(ctx context.Context) int {
	msg := stratum.NewSetDifficulty(c.difficulty.Current())
	return c.broadcast(ctx, func(_ context.Context, conn stratum.Conn) error {
		return conn.SendMessage(msg)
	})
}

// BroadcastWork sends fresh clean work to every authenticated session
func (c *Coordinator) BroadcastWork(ctx context.Context) int {
	n := c.broadcast(ctx, func(ctx context.Context, conn stratum.Conn) error {
		return c.Notify(ctx, conn, true)
	})
	c.logger.LogJobDistribution(true, n)
	return n
}

// broadcast applies send to a snapshot of authenticated sessions with
// bounded parallelism. A failed send is logged and skipped.
func (c *Coordinator) broadcast(ctx context.Context, send func(context.Context, stratum.Conn) error) int {
	var ok atomic.Int64
	swg := sizedwaitgroup.New(c.cfg.BroadcastWorkers)
	for _, p := range c.registry.authenticatedPeers() {
		if ctx.Err() != nil {
			break
		}
		swg.Add()
		go func(p peer) {
			defer swg.Done()
			if err := send(ctx, p.conn); err != nil {
				c.logger.WithError(err).Warn("broadcast send failed", "session_id", p.session.ID)
				return
			}
			ok.Add(1)
		}(p)
	}
	swg.Wait()
	return int(ok.Load())
}

// Remove forgets the session behind conn
func (c *Coordinator) Remove(conn stratum.Conn) {
	if s, ok := c.registry.Remove(conn.ID()); ok {
		c.logger.Info("miner disconnected", "session_id", conn.ID(), "user", s.User, "shares", s.Shares)
	}
	metrics.RecordMiners(c.registry.Len(), c.totalHashrate())
}

// TriggerWork requests an immediate work broadcast from Run
func (c *Coordinator) TriggerWork() {
	select {
	case c.workSignal <- struct{}{}:
	default:
	}
}

// Run drives the periodic work broadcast and the stale job sweep until ctx
// is cancelled
func (c *Coordinator) Run(ctx context.Context) error {
	work := time.NewTicker(c.cfg.BlockTimeTarget)
	defer work.Stop()
	sweep := time.NewTicker(c.cfg.JobTimeout)
	defer sweep.Stop()
	defer c.jobs.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-work.C:
			c.BroadcastWork(ctx)
		case <-c.workSignal:
			c.BroadcastWork(ctx)
			work.Reset(c.cfg.BlockTimeTarget)
		case <-sweep.C:
			c.jobs.Sweep()
			metrics.RecordMiners(c.registry.Len(), c.totalHashrate())
		}
	}
}

// Miners returns every live session ordered by extra-nonce
func (c *Coordinator) Miners() []MinerSession {
	return c.registry.All()
}

// Authenticated yields the authenticated sessions
func (c *Coordinator) Authenticated() iter.Seq[MinerSession] {
	return c.registry.Authenticated()
}

// RecentShares returns the in-memory share window
func (c *Coordinator) RecentShares() []validation.Share {
	return c.difficulty.Shares()
}

// Difficulty returns the pool difficulty
func (c *Coordinator) Difficulty() float64 {
	return c.difficulty.Current()
}

// BlocksFound returns the number of blocks the node accepted
func (c *Coordinator) BlocksFound() uint64 {
	return c.blocksFound.Load()
}

// PoolInfo summarizes the pool state
func (c *Coordinator) PoolInfo() PoolInfo {
	authenticated := 0
	for range c.registry.Authenticated() {
		authenticated++
	}
	return PoolInfo{
		PoolName:      c.cfg.PoolName,
		Difficulty:    c.difficulty.Current(),
		BlocksFound:   c.blocksFound.Load(),
		Miners:        c.registry.Len(),
		Authenticated: authenticated,
		Jobs:          c.jobs.Len(),
		Hashrate:      c.totalHashrate(),
		BlockReward:   c.jobs.BlockReward(),
		StartedAt:     c.startedAt,
	}
}

// setClock replaces the time source of the coordinator and its job store
func (c *Coordinator) setClock(now func() time.Time) {
	c.now = now
	c.jobs.now = now
}

func (c *Coordinator) totalHashrate() float64 {
	var total float64
	for s := range c.registry.Authenticated() {
		total += s.Hashrate
	}
	return total
}
