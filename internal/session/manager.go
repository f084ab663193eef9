// Package session coordinates how engine operations share a persistence
// connection. A scope lives on the context of one logical call; nested
// operations on that context join it instead of opening a new one.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/observability"
)

type Coordinator struct {
	mu       sync.Mutex
	pool     Pool
	mode     Mode
	explicit DBTX

	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewCoordinator returns a coordinator in PARTICIPATE mode. pool may be nil
// for stores that do not talk to a database; scopes are still tracked.
func NewCoordinator(pool Pool, metrics *observability.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		pool:    pool,
		mode:    ModeParticipate,
		metrics: metrics,
		logger:  logger,
	}
}

func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the mode for every scope opened afterwards. Leaving
// EXPLICIT drops the client connection.
func (c *Coordinator) SetMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeExplicit && mode != ModeExplicit {
		c.explicit = nil
	}
	c.mode = mode
	c.logger.Info("connection management mode changed", zap.String("mode", string(mode)))
}

// SetConnection hands a client-owned connection to the coordinator and
// switches to EXPLICIT. A nil conn behaves like CloseConnection.
func (c *Coordinator) SetConnection(conn DBTX) {
	if conn == nil {
		c.CloseConnection()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.explicit = conn
	c.mode = ModeExplicit
	c.logger.Info("explicit connection set", zap.String("mode", string(ModeExplicit)))
}

// CloseConnection forgets the client connection and reverts to PARTICIPATE.
// The connection itself belongs to the client and is not closed.
func (c *Coordinator) CloseConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.explicit = nil
	c.mode = ModeParticipate
	c.logger.Info("explicit connection released", zap.String("mode", string(ModeParticipate)))
}

type scopeKey struct{}

type scope struct {
	mu   sync.Mutex
	mode Mode
	db   DBTX
	tx   Tx
	refs int
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

// Depth reports how many Open calls are outstanding on ctx.
func Depth(ctx context.Context) int {
	s := scopeFrom(ctx)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Open joins the scope already active on ctx or starts a new one. Every
// successful Open must be paired with Return on the returned context.
func (c *Coordinator) Open(ctx context.Context) (context.Context, error) {
	if s := scopeFrom(ctx); s != nil {
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		return ctx, nil
	}

	c.mu.Lock()
	mode, pool, explicit := c.mode, c.pool, c.explicit
	c.mu.Unlock()

	s := &scope{mode: mode, refs: 1}
	switch mode {
	case ModeExplicit:
		if explicit == nil {
			c.metrics.ObserveConnectionScope(string(mode), "open_failed")
			return ctx, apperr.System(ErrConnectionNotSet, "open connection")
		}
		s.db = explicit
	case ModeAutocommit:
		if pool != nil {
			s.db = pool
		}
	default:
		if pool != nil {
			tx, err := pool.BeginTx(ctx)
			if err != nil {
				c.metrics.ObserveConnectionScope(string(mode), "open_failed")
				return ctx, apperr.System(err, "begin transaction")
			}
			s.tx = tx
			s.db = tx
		}
	}
	return context.WithValue(ctx, scopeKey{}, s), nil
}

// Return releases one reference taken by Open. The outermost Return
// finishes the scope: PARTICIPATE commits when opErr is nil and rolls back
// otherwise, the other modes only release. opErr is passed through.
func (c *Coordinator) Return(ctx context.Context, opErr error) error {
	s := scopeFrom(ctx)
	if s == nil {
		return opErr
	}
	s.mu.Lock()
	s.refs--
	remaining := s.refs
	s.mu.Unlock()
	if remaining > 0 {
		return opErr
	}

	if s.tx == nil {
		c.metrics.ObserveConnectionScope(string(s.mode), "released")
		return opErr
	}
	// The scope is done even if ctx was cancelled; finish the tx regardless.
	finishCtx := context.WithoutCancel(ctx)
	if opErr != nil {
		if err := s.tx.Rollback(finishCtx); err != nil {
			c.logger.Warn("rollback failed", zap.Error(err))
		}
		c.metrics.ObserveConnectionScope(string(s.mode), "rolled_back")
		return opErr
	}
	if err := s.tx.Commit(finishCtx); err != nil {
		c.metrics.ObserveConnectionScope(string(s.mode), "commit_failed")
		return apperr.System(err, "commit transaction")
	}
	c.metrics.ObserveConnectionScope(string(s.mode), "committed")
	return nil
}

// Do runs fn inside a scope and always releases it, also when fn panics.
func (c *Coordinator) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, err = c.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = c.Return(ctx, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	return c.Return(ctx, fn(ctx))
}

// DB returns the handle statements on ctx must use. Outside of a scope it
// falls back to the current mode's handle, which may be nil when the
// coordinator has no pool.
func (c *Coordinator) DB(ctx context.Context) DBTX {
	if s := scopeFrom(ctx); s != nil && s.db != nil {
		return s.db
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeExplicit && c.explicit != nil {
		return c.explicit
	}
	if c.pool == nil {
		return nil
	}
	return c.pool
}
