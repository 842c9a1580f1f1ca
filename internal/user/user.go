// Package user defines the user record kept in the credential store.
package user

import "github.com/patric-chuzhbe/merneats/internal/models"

// User represents a registered account. PasswordHash holds the bcrypt digest,
// never the raw password.
type User struct {
	// ID is the unique identifier of the user, meaning a UUID.
	ID string `json:"id"`

	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`

	Name         string `json:"name,omitempty"`
	AddressLine1 string `json:"addressLine1,omitempty"`
	City         string `json:"city,omitempty"`
	Country      string `json:"country,omitempty"`
}

// Public returns the identity that may leave the server.
func (u *User) Public() models.PublicUser {
	return models.PublicUser{
		UserID: u.ID,
		Email:  u.Email,
		Name:   u.Name,
	}
}

// Profile returns the profile view of the user, without the digest.
func (u *User) Profile() models.UserProfile {
	return models.UserProfile{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		AddressLine1: u.AddressLine1,
		City:         u.City,
		Country:      u.Country,
	}
}
