package types

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

const (
	CookieName = "authograder"

	// MinPasswordLength applies to new and changed passwords.
	MinPasswordLength = 8
)

var BeginningOfTime = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)

// User represents a single account. Students are users with neither role
// flag set; tutors author assignments; admins manage users.
type User struct {
	ID             int64     `json:"id" meddler:"id,pk"`
	Name           string    `json:"name" meddler:"name"`
	Email          string    `json:"email" meddler:"email"`
	PasswordHash   []byte    `json:"-" meddler:"password_hash"`
	Tutor          bool      `json:"tutor" meddler:"tutor"`
	Admin          bool      `json:"admin" meddler:"admin"`
	CreatedAt      time.Time `json:"createdAt" meddler:"created_at,localtime"`
	UpdatedAt      time.Time `json:"updatedAt" meddler:"updated_at,localtime"`
	LastSignedInAt time.Time `json:"lastSignedInAt" meddler:"last_signed_in_at,localtime"`
}

func (user *User) CanAuthor() bool {
	return user.Tutor || user.Admin
}

func (user *User) Normalize(now time.Time) error {
	user.Name = strings.TrimSpace(user.Name)
	if user.Name == "" {
		return fmt.Errorf("user name cannot be empty")
	}

	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Email == "" {
		return fmt.Errorf("user email cannot be empty")
	}
	if _, err := mail.ParseAddress(user.Email); err != nil {
		return fmt.Errorf("user email %q is not a valid address", user.Email)
	}

	if user.CreatedAt.Before(BeginningOfTime) || user.CreatedAt.After(now) {
		return fmt.Errorf("user CreatedAt time of %v is invalid", user.CreatedAt)
	}
	if user.UpdatedAt.Before(BeginningOfTime) || user.UpdatedAt.After(now) {
		return fmt.Errorf("user UpdatedAt time of %v is invalid", user.UpdatedAt)
	}

	return nil
}
