// Package tenant holds the tenant scoping rules shared by the query engine,
// the warehouse sources and the report pipeline. Scope is always passed
// explicitly; there is no process-wide active tenant.
package tenant

import (
	"fmt"

	"github.com/google/uuid"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
)

const (
	// AllTenants marks an entity as globally visible.
	AllTenants = "__all__"
	// NoTenants marks an entity as unreachable under scoping.
	NoTenants = "__none__"
)

// Tenant is an isolation boundary such as a country office.
type Tenant struct {
	ID   uuid.UUID `db:"id" json:"id"`
	Slug string    `db:"slug" json:"slug"`
	Name string    `db:"name" json:"name"`
}

// Scope is the tenant state of one request or task.
type Scope struct {
	Tenant    *Tenant
	MustScope bool
}

// Unscoped is the scope of operator and system work.
func Unscoped() Scope {
	return Scope{}
}

// For returns a scope that requires t.
func For(t *Tenant) Scope {
	return Scope{Tenant: t, MustScope: true}
}

// Active returns the active tenant. A nil tenant with a nil error means the
// scope does not filter.
func (s Scope) Active() (*Tenant, error) {
	if !s.MustScope {
		return s.Tenant, nil
	}
	if s.Tenant == nil || s.Tenant.ID == uuid.Nil {
		return nil, &ferrors.InvalidTenant{}
	}
	return s.Tenant, nil
}

func (s Scope) String() string {
	switch {
	case s.Tenant != nil && s.MustScope:
		return "tenant:" + s.Tenant.Slug
	case s.MustScope:
		return "tenant:<missing>"
	default:
		return "unscoped"
	}
}

// TenantID returns the scope tenant id, or nil when unscoped.
func (s Scope) TenantID() *uuid.UUID {
	if s.Tenant == nil {
		return nil
	}
	id := s.Tenant.ID
	return &id
}

// EntityType is a warehouse entity a query can target. FilterField names the
// column holding the tenant id, or is AllTenants or NoTenants.
type EntityType struct {
	Name        string
	Table       string
	FilterField string
}

func (e EntityType) validate() error {
	if e.Name == "" {
		return fmt.Errorf("entity type has no name")
	}
	if e.Table == "" {
		return fmt.Errorf("entity type %s has no table", e.Name)
	}
	if e.FilterField == "" {
		return fmt.Errorf("entity type %s has no tenant filter field", e.Name)
	}
	return nil
}

// Filter is the predicate ScopeFilter asks a source to apply.
type Filter struct {
	// Predicate is the equality filter to add. Nil means no filtering.
	Predicate map[string]any
	// Empty means the source must yield nothing.
	Empty bool
}

// ScopeFilter resolves the tenant predicate for entity under scope.
func ScopeFilter(scope Scope, entity EntityType) (Filter, error) {
	if !scope.MustScope || entity.FilterField == AllTenants {
		return Filter{}, nil
	}
	active, err := scope.Active()
	if err != nil {
		return Filter{}, &ferrors.InvalidTenant{Entity: entity.Name}
	}
	if entity.FilterField == NoTenants {
		return Filter{Empty: true}, nil
	}
	return Filter{Predicate: map[string]any{entity.FilterField: active.ID}}, nil
}
