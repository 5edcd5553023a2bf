// Package domain contains entities without transport, just meta-data and state rules.
package domain

import (
	"errors"
	"unicode/utf8"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
	MaxLocationLen = 64
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

// User is the identity of a broadcaster, listener or caller as seen by the core.
// Authentication happens upstream; the core trusts what it is handed.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

func NewUser(id UserID, username string) (*User, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUsernameTooLong
	}
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username}, nil
}

func (u *User) SetUsername(username string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	u.Username = username
	return nil
}

// Clip shortens s to at most n runes without splitting one.
func Clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for at := range s {
		if i == n {
			return s[:at]
		}
		i++
	}
	return s
}

func validateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if utf8.RuneCountInString(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
