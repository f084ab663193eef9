// Package workbasket holds the work queues tasks are routed between and the
// access items that grant principals permissions on them.
package workbasket

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ent0n29/taskrouter/internal/apperr"
)

// Permission is a set of workbasket permissions.
type Permission uint16

const (
	PermRead Permission = 1 << iota
	PermReadTasks
	PermOpen
	PermAppend
	PermTransfer
	PermDistribute
	PermEditTasks
)

var permissionNames = []struct {
	perm Permission
	name string
}{
	{PermRead, "READ"},
	{PermReadTasks, "READTASKS"},
	{PermOpen, "OPEN"},
	{PermAppend, "APPEND"},
	{PermTransfer, "TRANSFER"},
	{PermDistribute, "DISTRIBUTE"},
	{PermEditTasks, "EDITTASKS"},
}

func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// Missing returns the part of required that p does not grant.
func (p Permission) Missing(required Permission) Permission {
	return required &^ p
}

func (p Permission) String() string {
	if p == 0 {
		return "NONE"
	}
	var parts []string
	for _, pn := range permissionNames {
		if p&pn.perm != 0 {
			parts = append(parts, pn.name)
		}
	}
	return strings.Join(parts, "|")
}

func (p Permission) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(permissionNames))
	for _, pn := range permissionNames {
		if p&pn.perm != 0 {
			names = append(names, pn.name)
		}
	}
	return json.Marshal(names)
}

func (p *Permission) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("decode permissions: %w", err)
	}
	parsed, err := ParsePermissions(names...)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePermissions combines permission names such as "READ" or "editTasks".
func ParsePermissions(names ...string) (Permission, error) {
	var out Permission
	for _, raw := range names {
		name := strings.ToUpper(strings.TrimSpace(raw))
		found := false
		for _, pn := range permissionNames {
			if pn.name == name {
				out |= pn.perm
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown workbasket permission %q", raw)
		}
	}
	return out, nil
}

type AccessItem struct {
	AccessID    string     `json:"access_id"`
	Permissions Permission `json:"permissions"`
}

type Workbasket struct {
	ID                  string       `json:"id"`
	Key                 string       `json:"key"`
	Name                string       `json:"name,omitempty"`
	Domain              string       `json:"domain,omitempty"`
	Access              []AccessItem `json:"access,omitempty"`
	DistributionTargets []string     `json:"distribution_targets,omitempty"`
}

func (w Workbasket) Clone() Workbasket {
	out := w
	if w.Access != nil {
		out.Access = append([]AccessItem(nil), w.Access...)
	}
	if w.DistributionTargets != nil {
		out.DistributionTargets = append([]string(nil), w.DistributionTargets...)
	}
	return out
}

// PermissionsFor unions the permissions of every access item matching one of
// accessIDs. Access ids compare case-insensitively.
func (w Workbasket) PermissionsFor(accessIDs ...string) Permission {
	var out Permission
	for _, item := range w.Access {
		for _, id := range accessIDs {
			if id != "" && strings.EqualFold(item.AccessID, id) {
				out |= item.Permissions
				break
			}
		}
	}
	return out
}

type NotFoundError struct {
	WorkbasketID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workbasket %q not found", e.WorkbasketID)
}

func (e *NotFoundError) Code() apperr.Code { return apperr.CodeNotFound }
