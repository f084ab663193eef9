// Package policy decides whether the acting principal may run an operation:
// role membership for administrative calls and workbasket permissions for
// everything that reads or moves tasks.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/workbasket"
)

type Role string

const (
	RoleUser          Role = "USER"
	RoleBusinessAdmin Role = "BUSINESS_ADMIN"
	RoleAdmin         Role = "ADMIN"
	RoleTaskAdmin     Role = "TASK_ADMIN"
	RoleMonitor       Role = "MONITOR"
	RoleTaskRouter    Role = "TASK_ROUTER"
)

func ParseRole(v string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(v)))
	switch r {
	case RoleUser, RoleBusinessAdmin, RoleAdmin, RoleTaskAdmin, RoleMonitor, RoleTaskRouter:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", v)
	}
}

// Principal is the caller an operation runs for.
type Principal struct {
	UserID string
	Groups []string
	Roles  []Role
}

func (p Principal) HasRole(roles ...Role) bool {
	for _, have := range p.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// AccessIDs are the ids matched against workbasket access items.
func (p Principal) AccessIDs() []string {
	out := make([]string, 0, len(p.Groups)+1)
	if p.UserID != "" {
		out = append(out, p.UserID)
	}
	return append(out, p.Groups...)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	p.UserID = strings.TrimSpace(p.UserID)
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

type NotAuthorizedError struct {
	UserID string
	Roles  []Role
}

func (e *NotAuthorizedError) Error() string {
	if e.UserID == "" {
		return "no principal is associated with the request"
	}
	names := make([]string, len(e.Roles))
	for i, r := range e.Roles {
		names[i] = string(r)
	}
	return fmt.Sprintf("user %q is not in any of the roles [%s]", e.UserID, strings.Join(names, ", "))
}

func (e *NotAuthorizedError) Code() apperr.Code { return apperr.CodeNotAuthorized }

type NotAuthorizedOnWorkbasketError struct {
	UserID       string
	WorkbasketID string
	Missing      workbasket.Permission
}

func (e *NotAuthorizedOnWorkbasketError) Error() string {
	return fmt.Sprintf("user %q lacks permission %s on workbasket %q", e.UserID, e.Missing, e.WorkbasketID)
}

func (e *NotAuthorizedOnWorkbasketError) Code() apperr.Code { return apperr.CodeNotAuthorized }

// WorkbasketSource is the read side of workbasket.Store the gate needs.
type WorkbasketSource interface {
	GetWorkbasket(ctx context.Context, id string) (workbasket.Workbasket, error)
}

type Gate struct {
	workbaskets WorkbasketSource
}

func NewGate(workbaskets WorkbasketSource) *Gate {
	return &Gate{workbaskets: workbaskets}
}

// CheckRole passes when the principal holds any of roles.
func (g *Gate) CheckRole(ctx context.Context, roles ...Role) error {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return &NotAuthorizedError{Roles: roles}
	}
	if p.HasRole(roles...) {
		return nil
	}
	return &NotAuthorizedError{UserID: p.UserID, Roles: roles}
}

// CheckPermission loads the workbasket and requires every bit of perm for
// the principal. ADMIN and TASK_ADMIN pass without access items.
func (g *Gate) CheckPermission(ctx context.Context, workbasketID string, perm workbasket.Permission) (workbasket.Workbasket, error) {
	wb, err := g.Workbasket(ctx, workbasketID)
	if err != nil {
		return workbasket.Workbasket{}, err
	}
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return workbasket.Workbasket{}, &NotAuthorizedError{}
	}
	if p.HasRole(RoleAdmin, RoleTaskAdmin) {
		return wb, nil
	}
	granted := wb.PermissionsFor(p.AccessIDs()...)
	if missing := granted.Missing(perm); missing != 0 {
		return workbasket.Workbasket{}, &NotAuthorizedOnWorkbasketError{
			UserID:       p.UserID,
			WorkbasketID: wb.ID,
			Missing:      missing,
		}
	}
	return wb, nil
}

// Workbasket resolves id without a permission check.
func (g *Gate) Workbasket(ctx context.Context, id string) (workbasket.Workbasket, error) {
	id = strings.TrimSpace(id)
	wb, err := g.workbaskets.GetWorkbasket(ctx, id)
	if err != nil {
		if errors.Is(err, workbasket.ErrStoreNotFound) {
			return workbasket.Workbasket{}, &workbasket.NotFoundError{WorkbasketID: id}
		}
		return workbasket.Workbasket{}, apperr.System(err, "load workbasket %s", id)
	}
	return wb, nil
}
