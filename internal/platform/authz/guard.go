package authz

import (
	"context"
	"fmt"
)

// Actor is the authenticated principal attempting an operation.
type Actor struct {
	ID   string
	Role string
}

// AuthenticationError indicates the request carried no usable identity.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication required: " + e.Reason
}

// AuthorizationError indicates the actor's role or the request scope is
// not permitted to perform the action.
type AuthorizationError struct {
	Role     string
	Resource string
	Action   string
	Reason   string
}

func (e *AuthorizationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("role %q may not %s %s: %s", e.Role, e.Action, e.Resource, e.Reason)
	}
	return fmt.Sprintf("role %q may not %s %s", e.Role, e.Action, e.Resource)
}

// Guard evaluates authorization requests against the permission matrix
// plus scope rules that depend on the request payload. It fails closed.
type Guard struct {
	matrix *Matrix
}

func NewGuard(matrix *Matrix) *Guard {
	return &Guard{matrix: matrix}
}

// Authorize checks the generic capability matrix. Callers holding a
// mutable aggregate must call it again immediately before committing,
// not only at request entry.
func (g *Guard) Authorize(actor Actor, resource, action string) error {
	if actor.ID == "" {
		return &AuthenticationError{Reason: "no actor"}
	}
	if actor.Role == "" {
		return &AuthenticationError{Reason: "actor has no role"}
	}
	if !g.matrix.KnownRole(actor.Role) {
		return &AuthorizationError{Role: actor.Role, Resource: resource, Action: action, Reason: "unknown role"}
	}
	if !g.matrix.Allows(actor.Role, resource, action) {
		return &AuthorizationError{Role: actor.Role, Resource: resource, Action: action}
	}
	return nil
}

// staffRoles are the roles a staff account can be created with.
var staffRoles = map[string]bool{
	RoleAdmin:         true,
	RoleDoctor:        true,
	RoleNurse:         true,
	RoleReception:     true,
	RoleLabTechnician: true,
}

// patientAccountCreators are the roles permitted to create patient accounts.
var patientAccountCreators = map[string]bool{
	RoleAdmin:     true,
	RoleDoctor:    true,
	RoleNurse:     true,
	RoleReception: true,
}

// AuthorizeAccountCreation layers scope rules on top of the generic
// matrix: patient accounts may be created by admin, doctor, nurse, or
// reception; staff accounts only by admin. The generic "create users"
// capability is required first.
func (g *Guard) AuthorizeAccountCreation(actor Actor, targetRole string) error {
	if err := g.Authorize(actor, ResourceUsers, ActionCreate); err != nil {
		return err
	}
	switch {
	case targetRole == RolePatient:
		if !patientAccountCreators[actor.Role] {
			return &AuthorizationError{
				Role: actor.Role, Resource: ResourceUsers, Action: ActionCreate,
				Reason: "patient accounts require admin, doctor, nurse, or reception",
			}
		}
	case staffRoles[targetRole]:
		if actor.Role != RoleAdmin {
			return &AuthorizationError{
				Role: actor.Role, Resource: ResourceUsers, Action: ActionCreate,
				Reason: "staff accounts require admin",
			}
		}
	default:
		return &AuthorizationError{
			Role: actor.Role, Resource: ResourceUsers, Action: ActionCreate,
			Reason: fmt.Sprintf("unknown target role %q", targetRole),
		}
	}
	return nil
}

type contextKey string

const actorKey contextKey = "authz_actor"

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor stored in ctx, or the zero Actor.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey).(Actor)
	return actor
}
