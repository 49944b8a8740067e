package model

import (
	"fmt"
	"time"
)

// User represents an account that can borrow books.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsLibrarian  bool      `json:"is_librarian"`
	CreatedAt    time.Time `json:"created_at"`
}

// Caller is an already-authenticated identity acting on the catalog.
type Caller struct {
	UserID      int64
	IsLibrarian bool
}

// Caller returns the user's identity as seen by the circulation desk.
func (u User) Caller() Caller {
	return Caller{UserID: u.ID, IsLibrarian: u.IsLibrarian}
}

// CanReturn reports whether the caller may close the given loan.
func (c Caller) CanReturn(l Loan) bool {
	return c.IsLibrarian || c.UserID == l.UserID
}

// MinPasswordLength is the shortest password accepted for new accounts.
const MinPasswordLength = 8

// ValidatePassword checks that a password meets the minimum requirements.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}
