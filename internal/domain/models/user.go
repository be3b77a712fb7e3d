package models

import "time"

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserUpdate is a partial profile change; nil fields are left untouched.
type UserUpdate struct {
	FirstName    *string
	LastName     *string
	PasswordHash []byte
}
