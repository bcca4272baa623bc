package identity

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Repository persists user accounts.
type Repository interface {
	Create(ctx context.Context, user *User) error
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, limit, offset int) ([]*User, int, error)
}

// MemoryRepository is an in-memory Repository for tests and development.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[uuid.UUID]User)}
}

func (r *MemoryRepository) Create(_ context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Email == user.Email {
			return &ConflictError{Email: user.Email}
		}
	}
	r.users[user.ID] = *user
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return &u, nil
}

func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.Email == email {
			out := u
			return &out, nil
		}
	}
	return nil, &NotFoundError{}
}

func (r *MemoryRepository) List(_ context.Context, limit, offset int) ([]*User, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out := u
		all = append(all, &out)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return []*User{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
