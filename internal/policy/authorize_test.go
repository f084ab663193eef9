package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/workbasket"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	store := workbasket.NewMemoryStore()
	err := store.SaveWorkbasket(context.Background(), workbasket.Workbasket{
		ID: "WBI:inbox",
		Access: []workbasket.AccessItem{
			{AccessID: "clerk", Permissions: workbasket.PermRead | workbasket.PermEditTasks},
			{AccessID: "leads", Permissions: workbasket.PermDistribute},
		},
	})
	if err != nil {
		t.Fatalf("SaveWorkbasket() error = %v", err)
	}
	return NewGate(store)
}

func TestCheckPermissionGranted(t *testing.T) {
	gate := newTestGate(t)
	ctx := WithPrincipal(context.Background(), Principal{UserID: "clerk", Groups: []string{"leads"}})

	wb, err := gate.CheckPermission(ctx, "WBI:inbox", workbasket.PermEditTasks|workbasket.PermDistribute)
	if err != nil {
		t.Fatalf("CheckPermission() error = %v", err)
	}
	if wb.ID != "WBI:inbox" {
		t.Fatalf("CheckPermission() workbasket = %q", wb.ID)
	}
}

func TestCheckPermissionNamesMissingPermission(t *testing.T) {
	gate := newTestGate(t)
	ctx := WithPrincipal(context.Background(), Principal{UserID: "clerk"})

	_, err := gate.CheckPermission(ctx, "WBI:inbox", workbasket.PermRead|workbasket.PermTransfer)
	var denied *NotAuthorizedOnWorkbasketError
	if !errors.As(err, &denied) {
		t.Fatalf("CheckPermission() error = %v, want NotAuthorizedOnWorkbasketError", err)
	}
	if denied.UserID != "clerk" || denied.WorkbasketID != "WBI:inbox" || denied.Missing != workbasket.PermTransfer {
		t.Fatalf("denied = %+v", denied)
	}
	if apperr.CodeOf(err) != apperr.CodeNotAuthorized {
		t.Fatalf("CodeOf() = %s", apperr.CodeOf(err))
	}
}

func TestCheckPermissionAdminBypass(t *testing.T) {
	gate := newTestGate(t)
	ctx := WithPrincipal(context.Background(), Principal{UserID: "root", Roles: []Role{RoleAdmin}})
	if _, err := gate.CheckPermission(ctx, "WBI:inbox", workbasket.PermTransfer); err != nil {
		t.Fatalf("CheckPermission() as admin error = %v", err)
	}
}

func TestCheckPermissionUnknownWorkbasket(t *testing.T) {
	gate := newTestGate(t)
	ctx := WithPrincipal(context.Background(), Principal{UserID: "root", Roles: []Role{RoleAdmin}})
	_, err := gate.CheckPermission(ctx, "WBI:none", workbasket.PermRead)
	var nf *workbasket.NotFoundError
	if !errors.As(err, &nf) || nf.WorkbasketID != "WBI:none" {
		t.Fatalf("CheckPermission() error = %v, want NotFoundError", err)
	}
}

func TestCheckRole(t *testing.T) {
	gate := newTestGate(t)
	if err := gate.CheckRole(context.Background(), RoleAdmin); err == nil {
		t.Fatalf("CheckRole() without principal error = nil")
	}
	ctx := WithPrincipal(context.Background(), Principal{UserID: "ops", Roles: []Role{RoleTaskAdmin}})
	if err := gate.CheckRole(ctx, RoleAdmin, RoleTaskAdmin); err != nil {
		t.Fatalf("CheckRole() error = %v", err)
	}
	ctx = WithPrincipal(context.Background(), Principal{UserID: "clerk", Roles: []Role{RoleUser}})
	var denied *NotAuthorizedError
	if err := gate.CheckRole(ctx, RoleAdmin); !errors.As(err, &denied) || denied.UserID != "clerk" {
		t.Fatalf("CheckRole() error = %v, want NotAuthorizedError for clerk", err)
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole(" task_admin "); err != nil || r != RoleTaskAdmin {
		t.Fatalf("ParseRole() = %s, %v", r, err)
	}
	if _, err := ParseRole("superuser"); err == nil {
		t.Fatalf("ParseRole(superuser) error = nil")
	}
}
