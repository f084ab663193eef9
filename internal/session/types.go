package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Mode is the connection management mode of a Coordinator.
type Mode string

const (
	ModeParticipate Mode = "PARTICIPATE"
	ModeAutocommit  Mode = "AUTOCOMMIT"
	ModeExplicit    Mode = "EXPLICIT"
)

var ErrConnectionNotSet = errors.New("connection management mode is EXPLICIT but no connection was set")

func ParseMode(v string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(v))) {
	case "", ModeParticipate:
		return ModeParticipate, nil
	case ModeAutocommit:
		return ModeAutocommit, nil
	case ModeExplicit:
		return ModeExplicit, nil
	default:
		return "", fmt.Errorf("unknown connection management mode %q (expected PARTICIPATE|AUTOCOMMIT|EXPLICIT)", v)
	}
}

// DBTX is the statement surface shared by pools, connections and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is a transaction opened by a Pool.
type Tx interface {
	DBTX
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Pool hands out transactions and runs autocommit statements.
type Pool interface {
	DBTX
	BeginTx(ctx context.Context) (Tx, error)
}

// PgxPool adapts a pgxpool.Pool to Pool.
type PgxPool struct {
	*pgxpool.Pool
}

func (p PgxPool) BeginTx(ctx context.Context) (Tx, error) {
	return p.Pool.Begin(ctx)
}
