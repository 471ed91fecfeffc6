package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/akovalyov/chartscan/constants"
	"github.com/akovalyov/chartscan/internal/common"
)

// ErrPoolExhausted is returned by Select when no credential is currently
// eligible (every key is rate-limited or circuit-open). Callers apply their
// own backoff; this is a signal, not a fault.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// Credential is one API key with its rate-limit bucket, circuit breaker and
// in-flight counter. All mutation goes through the pool; application code
// only ever sees a Lease.
type Credential struct {
	mu       sync.Mutex
	id       string
	key      string
	bucket   *tokenBucket
	breaker  *breaker
	inFlight int
}

// ID returns the credential's log-safe identifier.
func (c *Credential) ID() string { return c.id }

// State returns the current circuit state, for status introspection.
func (c *Credential) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breaker.state
}

// Pool owns the set of credentials and selects a healthy one per call.
type Pool struct {
	mu       sync.Mutex
	creds    []*Credential
	next     int
	strategy constants.RotationStrategy
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock injects a clock; tests use this to drive refill and cooldown.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithBreakerConfig overrides the default breaker tuning for every credential.
func WithBreakerConfig(threshold int, window, cooldown time.Duration) Option {
	return func(p *Pool) {
		for _, c := range p.creds {
			c.breaker = newBreaker(threshold, window, cooldown)
		}
	}
}

// NewPool builds a pool from the configured key tuples. Order is preserved;
// round-robin selection cycles in configuration order.
func NewPool(cfgs []common.CredentialConfig, strategy constants.RotationStrategy, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		strategy: strategy,
		now:      time.Now,
		log:      logger,
	}
	for i, cfg := range cfgs {
		p.creds = append(p.creds, &Credential{
			id:      credentialID(i, cfg.Key),
			key:     cfg.Key,
			bucket:  newTokenBucket(cfg.QPS, cfg.BurstMultiplier),
			breaker: newBreaker(0, 0, 0),
		})
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Size returns the number of configured credentials.
func (p *Pool) Size() int { return len(p.creds) }

// States returns id -> circuit state for every credential.
func (p *Pool) States() map[string]BreakerState {
	out := make(map[string]BreakerState, len(p.creds))
	for _, c := range p.creds {
		out[c.ID()] = c.State()
	}
	return out
}

// Select picks an eligible credential, consumes one rate-limit token from it
// and increments its in-flight counter. The returned Lease MUST be finished
// with exactly one of Success, Failure or Discard.
func (p *Pool) Select() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	switch p.strategy {
	case constants.RotationLeastBusy:
		return p.selectLeastBusy(now)
	default:
		return p.selectRoundRobin(now)
	}
}

func (p *Pool) selectRoundRobin(now time.Time) (*Lease, error) {
	n := len(p.creds)
	for i := 0; i < n; i++ {
		c := p.creds[(p.next+i)%n]
		if p.acquire(c, now) {
			p.next = (p.next + i + 1) % n
			return p.lease(c), nil
		}
	}
	return nil, ErrPoolExhausted
}

func (p *Pool) selectLeastBusy(now time.Time) (*Lease, error) {
	n := len(p.creds)
	var chosen *Credential
	chosenIdx := -1
	best := 0
	// Walk in round-robin order so ties resolve cyclically.
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		c := p.creds[idx]
		c.mu.Lock()
		eligible := c.breaker.allow(now) && c.bucket.available(now)
		inFlight := c.inFlight
		c.mu.Unlock()
		if !eligible {
			continue
		}
		if chosen == nil || inFlight < best {
			chosen, chosenIdx, best = c, idx, inFlight
		}
	}
	if chosen == nil {
		return nil, ErrPoolExhausted
	}
	if !p.acquire(chosen, now) {
		// Eligibility can only improve with time; reaching here means the
		// bucket sat exactly at the boundary. Treat as exhausted.
		return nil, ErrPoolExhausted
	}
	p.next = (chosenIdx + 1) % n
	return p.lease(chosen), nil
}

func (p *Pool) acquire(c *Credential, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.breaker.allow(now) {
		return false
	}
	if !c.bucket.tryAcquire(now) {
		return false
	}
	c.inFlight++
	return true
}

func (p *Pool) lease(c *Credential) *Lease {
	return &Lease{cred: c, now: p.now, log: p.log}
}

func credentialID(i int, key string) string {
	tail := key
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return fmt.Sprintf("key-%d-%s", i, tail)
}

// Lease is a borrowed credential for one outbound call. Exactly one of
// Success, Failure or Discard must be called when the call finishes.
type Lease struct {
	cred *Credential
	now  func() time.Time
	log  *slog.Logger
	once sync.Once
}

// APIKey returns the secret for the outbound request.
func (l *Lease) APIKey() string { return l.cred.key }

// ID returns the credential's log-safe identifier.
func (l *Lease) ID() string { return l.cred.id }

// Success releases the lease and records a breaker success.
func (l *Lease) Success() {
	l.finish(func(c *Credential) {
		c.breaker.recordSuccess()
	})
}

// Failure releases the lease and records a breaker failure of the given
// kind. FailureNone releases without breaker accounting.
func (l *Lease) Failure(kind FailureKind) {
	if kind == FailureNone {
		l.Discard()
		return
	}
	now := l.now()
	l.finish(func(c *Credential) {
		c.breaker.recordFailure(now)
		if c.breaker.state == StateOpen {
			l.log.Warn("credential circuit opened", "credential", c.id)
		}
	})
}

// Discard releases the lease without breaker accounting. Used for
// application-level outcomes that are neither success nor failure.
func (l *Lease) Discard() {
	l.finish(nil)
}

func (l *Lease) finish(record func(*Credential)) {
	l.once.Do(func() {
		l.cred.mu.Lock()
		defer l.cred.mu.Unlock()
		if l.cred.inFlight > 0 {
			l.cred.inFlight--
		}
		if record != nil {
			record(l.cred)
		}
	})
}
