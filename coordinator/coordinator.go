// Package coordinator elects one leader among the client instances that share
// a Local Store. Instances heartbeat into a Redis hash; the live instance that
// started first leads. Only the leader drains the sync queue and delivers
// reminders.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-sync/clock"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTTL      = 15 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	Scope      string
	InstanceID string
	StartedAt  time.Time
	Interval   time.Duration
	TTL        time.Duration
	Clock      clock.Clock
	Logger     *log.Logger
}

type member struct {
	StartedAt   int64 `json:"startedAt"`
	HeartbeatAt int64 `json:"heartbeatAt"`
}

// Coordinator tracks this instance's membership and leadership.
type Coordinator struct {
	rc       *redis.Client
	key      string
	id       string
	started  time.Time
	interval time.Duration
	ttl      time.Duration
	clock    clock.Clock
	logger   *log.Logger

	mu        sync.Mutex
	leader    bool
	listeners []func(bool)
}

// New creates a Coordinator. It does not join the election until the first
// Beat.
func New(rc *redis.Client, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultHeartbeatInterval
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultHeartbeatTTL
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = opts.Clock.Now()
	}
	return &Coordinator{
		rc:       rc,
		key:      "prism:" + opts.Scope + ":instances",
		id:       opts.InstanceID,
		started:  opts.StartedAt,
		interval: opts.Interval,
		ttl:      opts.TTL,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
}

// ID returns this instance's id.
func (c *Coordinator) ID() string { return c.id }

// IsLeader reports whether this instance currently leads.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// OnLeadershipChange registers cb to run whenever this instance gains or loses
// leadership.
func (c *Coordinator) OnLeadershipChange(cb func(leader bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, cb)
	c.mu.Unlock()
}

func (c *Coordinator) setLeader(leader bool) {
	c.mu.Lock()
	if c.leader == leader {
		c.mu.Unlock()
		return
	}
	c.leader = leader
	listeners := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()

	c.logger.WithFields(log.Fields{"instance_id": c.id, "leader": leader}).Info("leadership changed")
	for _, cb := range listeners {
		cb(leader)
	}
}

// Beat renews this instance's heartbeat, evicts instances whose heartbeat is
// older than the TTL and re-runs the election. When Redis cannot be reached
// the instance steps down.
func (c *Coordinator) Beat(ctx context.Context) (bool, error) {
	now := c.clock.Now()
	self := member{StartedAt: c.started.UnixNano(), HeartbeatAt: now.UnixNano()}
	data, err := sonic.Marshal(self)
	if err != nil {
		return false, err
	}
	if err := c.rc.HSet(ctx, c.key, c.id, data).Err(); err != nil {
		c.setLeader(false)
		return false, err
	}
	raw, err := c.rc.HGetAll(ctx, c.key).Result()
	if err != nil {
		c.setLeader(false)
		return false, err
	}

	live := make(map[string]member, len(raw))
	var stale []string
	for id, v := range raw {
		var m member
		if err := sonic.UnmarshalString(v, &m); err != nil {
			stale = append(stale, id)
			continue
		}
		if id != c.id && now.Sub(time.Unix(0, m.HeartbeatAt)) > c.ttl {
			stale = append(stale, id)
			continue
		}
		live[id] = m
	}
	if len(stale) > 0 {
		if err := c.rc.HDel(ctx, c.key, stale...).Err(); err != nil {
			c.logger.WithError(err).Warn("evict stale instances failed")
		} else {
			c.logger.WithField("instances", stale).Info("evicted stale instances")
		}
	}

	leader := elect(live) == c.id
	c.setLeader(leader)
	return leader, nil
}

// elect picks the instance that started first, ties broken by id.
func elect(members map[string]member) string {
	var (
		best   string
		bestAt int64
	)
	for id, m := range members {
		if best == "" || m.StartedAt < bestAt || (m.StartedAt == bestAt && id < best) {
			best, bestAt = id, m.StartedAt
		}
	}
	return best
}

// Run heartbeats until ctx is cancelled, then resigns.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if _, err := c.Beat(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Warn("heartbeat failed")
		}
		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := c.Resign(rctx); err != nil {
				c.logger.WithError(err).Warn("resign failed")
			}
			cancel()
			return
		case <-ticker.C:
		}
	}
}

// Resign removes this instance from the election so another can take over
// without waiting for the heartbeat to expire.
func (c *Coordinator) Resign(ctx context.Context) error {
	c.setLeader(false)
	return c.rc.HDel(ctx, c.key, c.id).Err()
}
