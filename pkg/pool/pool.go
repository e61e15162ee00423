// Package pool implements the C7 connection pool: a bounded [min,max] pool
// of gRPC client connections to topology-neighbor health/replication
// endpoints, grounded on the teacher's pkg/manager/manager.go StartIngress
// grpc.NewClient(..., insecure.NewCredentials()) dial pattern.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrPoolExhausted is returned when acquire_timeout elapses with no idle or
// newly-dialable connection available.
var ErrPoolExhausted = errors.New("pool: exhausted")

// ErrDraining is returned by Acquire once Drain has started.
var ErrDraining = errors.New("pool: draining")

// Dialer creates a new resource connection to target. Swappable for tests.
type Dialer func(target string) (*grpc.ClientConn, error)

// DefaultDialer dials target insecurely, matching the teacher's ingress
// proxy gRPC connection.
func DefaultDialer(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Config configures the pool, per spec.md §6 pool.* options.
type Config struct {
	Target            string
	Min               int
	Max               int
	IdleTimeout       time.Duration
	AcquireTimeout    time.Duration
	DrainTimeout      time.Duration
	MaxWaitingClients int
	Dialer            Dialer
}

type entry struct {
	conn      *grpc.ClientConn
	idleSince time.Time
}

type waiter struct {
	ch chan *grpc.ClientConn
}

// Pool is the C7 bounded connection pool.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	idle     []*entry
	busy     map[*grpc.ClientConn]bool
	waiters  []*waiter
	draining bool

	stopCh chan struct{}
}

// New creates a Pool and eagerly dials Min connections.
func New(cfg Config) (*Pool, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = DefaultDialer
	}
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	p := &Pool{
		cfg:    cfg,
		busy:   make(map[*grpc.ClientConn]bool),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Min; i++ {
		conn, err := cfg.Dialer(cfg.Target)
		if err != nil {
			return nil, fmt.Errorf("pool: pre-warm connection %d: %w", i, err)
		}
		p.idle = append(p.idle, &entry{conn: conn, idleSince: time.Now()})
	}
	go p.evictionLoop()
	return p, nil
}

func (p *Pool) total() int {
	return len(p.idle) + len(p.busy)
}

// Acquire returns an idle connection, dials a fresh one if under Max, or
// waits up to AcquireTimeout / ctx before returning ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*grpc.ClientConn, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrDraining
	}
	if len(p.idle) > 0 {
		e := p.idle[0]
		p.idle = p.idle[1:]
		p.busy[e.conn] = true
		p.mu.Unlock()
		return e.conn, nil
	}
	if p.total() < p.cfg.Max {
		p.mu.Unlock()
		conn, err := p.cfg.Dialer(p.cfg.Target)
		if err != nil {
			return nil, fmt.Errorf("pool: dial: %w", err)
		}
		p.mu.Lock()
		p.busy[conn] = true
		p.mu.Unlock()
		return conn, nil
	}
	if p.cfg.MaxWaitingClients > 0 && len(p.waiters) >= p.cfg.MaxWaitingClients {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	w := &waiter{ch: make(chan *grpc.ClientConn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case conn := <-w.ch:
		return conn, nil
	case <-timer.C:
		p.removeWaiter(w)
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, ctx.Err()
	}
}

// removeWaiter drops a waiter that gave up. If Release already took it off
// the list, a connection is on its way to target.ch (or the channel was
// closed by Drain); that connection is released again so it is not lost.
func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	if conn := <-target.ch; conn != nil {
		p.Release(conn)
	}
}

// Release hands conn directly to a waiting acquirer, or returns it to the
// idle queue.
func (p *Pool) Release(conn *grpc.ClientConn) {
	p.mu.Lock()
	if !p.busy[conn] {
		p.mu.Unlock()
		return
	}
	delete(p.busy, conn)

	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.busy[conn] = true
		p.mu.Unlock()
		select {
		case w.ch <- conn:
			return
		default:
			// w.ch already holds a connection; try the next waiter
			p.mu.Lock()
			delete(p.busy, conn)
			continue
		}
	}
	p.idle = append(p.idle, &entry{conn: conn, idleSince: time.Now()})
	p.mu.Unlock()
}

// Stats reports the pool's current composition; total = idle + busy.
type Stats struct {
	Idle  int
	Busy  int
	Total int
}

// Stats returns a snapshot of pool composition.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), Busy: len(p.busy), Total: p.total()}
}

func (p *Pool) evictionLoop() {
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictStale()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) evictStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total() <= p.cfg.Min {
		return
	}
	now := time.Now()
	total := p.total()
	kept := p.idle[:0]
	for _, e := range p.idle {
		if total > p.cfg.Min && now.Sub(e.idleSince) > p.cfg.IdleTimeout {
			e.conn.Close()
			total--
			continue
		}
		kept = append(kept, e)
	}
	p.idle = kept
}

// Drain rejects new acquires, waits for outstanding busy connections to be
// released until DrainTimeout, then forcibly closes everything remaining.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	close(p.stopCh)
	p.mu.Unlock()

	deadline := time.NewTimer(p.cfg.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		remaining := len(p.busy)
		p.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			goto forceClose
		case <-ctx.Done():
			goto forceClose
		}
	}

forceClose:
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.idle {
		e.conn.Close()
	}
	p.idle = nil
	for conn := range p.busy {
		conn.Close()
	}
	p.busy = make(map[*grpc.ClientConn]bool)
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	return nil
}
