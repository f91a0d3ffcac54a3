// Package permissions answers whether a principal may act on a query or a
// report.
package permissions

import (
	"context"
	"net/http"
	"slices"

	"github.com/Gobusters/ectoerror/httperror"

	appctx "github.com/Ramsey-B/fern/pkg/context"
)

type Action string

const (
	ActionView   Action = "view"
	ActionRun    Action = "run"
	ActionChange Action = "change"
	ActionDelete Action = "delete"
)

// System is the principal of scheduler and operator work.
const System = "system"

// Owned is implemented by objects with an owner.
type Owned interface {
	OwnerName() string
}

// Distributed is implemented by objects shared with an allow-list.
type Distributed interface {
	Distribution() []string
}

type Checker interface {
	HasPermission(ctx context.Context, principal string, action Action, object any) bool
}

// Default grants everything to the system principal and superusers, every
// action to an object's owner, and view to the object's distribution list.
type Default struct {
	Superusers []string
}

func (d Default) HasPermission(_ context.Context, principal string, action Action, object any) bool {
	if principal == "" {
		return false
	}
	if principal == System || slices.Contains(d.Superusers, principal) {
		return true
	}
	if owned, ok := object.(Owned); ok && owned.OwnerName() != "" && owned.OwnerName() == principal {
		return true
	}
	if action == ActionView {
		if shared, ok := object.(Distributed); ok && slices.Contains(shared.Distribution(), principal) {
			return true
		}
	}
	return false
}

// Require returns a 403 error unless the principal in ctx may perform
// action on object.
func Require(ctx context.Context, checker Checker, action Action, object any) error {
	if checker == nil {
		return nil
	}
	principal := appctx.GetPrincipal(ctx)
	if checker.HasPermission(ctx, principal, action, object) {
		return nil
	}
	return httperror.NewHTTPErrorf(http.StatusForbidden, "%q may not %s this object", principal, action)
}
