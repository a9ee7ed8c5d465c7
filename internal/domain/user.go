// Package domain holds the identifiers and value types shared by the voice
// server and its clients.
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36

	GuestUsername = "guest"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser creates a user with a random id.
func NewUser(username string) (*User, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	return &User{ID: UserID(uuid.NewString()), Username: name}, nil
}

// GuestUser is the identity of a fresh connection until it picks a name.
func GuestUser(id UserID) *User {
	return &User{ID: id, Username: GuestUsername}
}

// NormalizeUsername trims surrounding space; the length limit counts runes.
func NormalizeUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return "", ErrUsernameEmpty
	}
	if utf8.RuneCountInString(name) > MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	return name, nil
}

func (u *User) SetUsername(username string) error {
	name, err := NormalizeUsername(username)
	if err != nil {
		return err
	}
	u.Username = name
	return nil
}
