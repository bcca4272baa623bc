package identity

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
)

// User is a staff or patient account. Role values come from the
// permission matrix; an account's role decides what it may do and who
// may create it.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationError reports a malformed account payload.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NotFoundError reports a missing user.
type NotFoundError struct {
	ID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("user %s not found", e.ID)
}

// ConflictError reports a duplicate email.
type ConflictError struct {
	Email string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("a user with email %q already exists", e.Email)
}

// CreateUserInput is the payload for account creation.
type CreateUserInput struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

func (in CreateUserInput) validate() error {
	var fields []string
	if _, err := mail.ParseAddress(in.Email); err != nil {
		fields = append(fields, "email")
	}
	if in.FullName == "" {
		fields = append(fields, "full_name")
	}
	if in.Role == "" {
		fields = append(fields, "role")
	}
	if len(fields) > 0 {
		return &ValidationError{Message: "invalid account payload", Fields: fields}
	}
	return nil
}
