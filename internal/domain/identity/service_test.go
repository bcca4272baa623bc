package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medlab/lims/internal/platform/authz"
)

func newTestService() *Service {
	guard := authz.NewGuard(authz.DefaultMatrix())
	return NewService(NewMemoryRepository(), guard, zerolog.Nop())
}

func TestCreateUserRules(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	admin := authz.Actor{ID: "a", Role: authz.RoleAdmin}
	doctor := authz.Actor{ID: "d", Role: authz.RoleDoctor}
	tech := authz.Actor{ID: "t", Role: authz.RoleLabTechnician}

	t.Run("doctor creates patient account", func(t *testing.T) {
		user, err := svc.CreateUser(ctx, doctor, CreateUserInput{
			Email: "pat@example.com", FullName: "Pat Doe", Role: authz.RolePatient,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Role != authz.RolePatient || user.ID == uuid.Nil {
			t.Errorf("bad user: %+v", user)
		}
	})

	t.Run("doctor cannot create staff account", func(t *testing.T) {
		_, err := svc.CreateUser(ctx, doctor, CreateUserInput{
			Email: "n@example.com", FullName: "N", Role: authz.RoleNurse,
		})
		var ae *authz.AuthorizationError
		if !errors.As(err, &ae) {
			t.Fatalf("expected *AuthorizationError, got %v", err)
		}
	})

	t.Run("admin creates staff account", func(t *testing.T) {
		if _, err := svc.CreateUser(ctx, admin, CreateUserInput{
			Email: "tech@example.com", FullName: "Tech", Role: authz.RoleLabTechnician,
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("lab tech cannot create any account", func(t *testing.T) {
		_, err := svc.CreateUser(ctx, tech, CreateUserInput{
			Email: "x@example.com", FullName: "X", Role: authz.RolePatient,
		})
		var ae *authz.AuthorizationError
		if !errors.As(err, &ae) {
			t.Fatalf("expected *AuthorizationError, got %v", err)
		}
	})

	t.Run("unknown target role denied", func(t *testing.T) {
		_, err := svc.CreateUser(ctx, admin, CreateUserInput{
			Email: "y@example.com", FullName: "Y", Role: "superuser",
		})
		var ae *authz.AuthorizationError
		if !errors.As(err, &ae) {
			t.Fatalf("expected *AuthorizationError, got %v", err)
		}
	})

	t.Run("anonymous denied", func(t *testing.T) {
		_, err := svc.CreateUser(ctx, authz.Actor{}, CreateUserInput{
			Email: "z@example.com", FullName: "Z", Role: authz.RolePatient,
		})
		var authn *authz.AuthenticationError
		if !errors.As(err, &authn) {
			t.Fatalf("expected *AuthenticationError, got %v", err)
		}
	})
}

func TestCreateUserValidation(t *testing.T) {
	svc := newTestService()
	admin := authz.Actor{ID: "a", Role: authz.RoleAdmin}

	_, err := svc.CreateUser(context.Background(), admin, CreateUserInput{
		Email: "not-an-email", FullName: "", Role: authz.RolePatient,
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	admin := authz.Actor{ID: "a", Role: authz.RoleAdmin}

	input := CreateUserInput{Email: "dup@example.com", FullName: "Dup", Role: authz.RolePatient}
	if _, err := svc.CreateUser(ctx, admin, input); err != nil {
		t.Fatal(err)
	}
	_, err := svc.CreateUser(ctx, admin, input)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
}

func TestGetAndListUsers(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	admin := authz.Actor{ID: "a", Role: authz.RoleAdmin}
	patient := authz.Actor{ID: "p", Role: authz.RolePatient}

	created, err := svc.CreateUser(ctx, admin, CreateUserInput{
		Email: "one@example.com", FullName: "One", Role: authz.RolePatient,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.GetUser(ctx, admin, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != "one@example.com" {
		t.Errorf("email = %q", got.Email)
	}

	_, err = svc.GetUser(ctx, admin, uuid.New())
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundError, got %v", err)
	}

	// Patients have no users capability.
	_, err = svc.GetUser(ctx, patient, created.ID)
	var ae *authz.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuthorizationError, got %v", err)
	}

	users, total, err := svc.ListUsers(ctx, admin, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(users) != 1 {
		t.Errorf("total = %d, page = %d", total, len(users))
	}
}
