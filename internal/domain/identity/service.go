package identity

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medlab/lims/internal/platform/authz"
)

// Service creates and reads user accounts. Account creation is guarded
// twice: on entry and again right before the write, because the layered
// rules depend on both the requester's role and the target role.
type Service struct {
	repo   Repository
	guard  *authz.Guard
	logger zerolog.Logger
}

func NewService(repo Repository, guard *authz.Guard, logger zerolog.Logger) *Service {
	return &Service{repo: repo, guard: guard, logger: logger}
}

func (s *Service) CreateUser(ctx context.Context, actor authz.Actor, input CreateUserInput) (*User, error) {
	if err := s.guard.AuthorizeAccountCreation(actor, input.Role); err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	user := &User{
		ID:       uuid.New(),
		Email:    input.Email,
		FullName: input.FullName,
		Role:     input.Role,
	}

	if err := s.guard.AuthorizeAccountCreation(actor, input.Role); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("user_id", user.ID.String()).
		Str("role", user.Role).
		Str("created_by", actor.ID).
		Msg("user account created")
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, actor authz.Actor, id uuid.UUID) (*User, error) {
	if err := s.guard.Authorize(actor, authz.ResourceUsers, authz.ActionRead); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context, actor authz.Actor, limit, offset int) ([]*User, int, error) {
	if err := s.guard.Authorize(actor, authz.ResourceUsers, authz.ActionRead); err != nil {
		return nil, 0, err
	}
	return s.repo.List(ctx, limit, offset)
}
