package models

import "time"

// User is the identity record owned by the account service. Billing only reads
// it and flips HasEverSubscribed, which once true stays true.
type User struct {
	ID                int64     `json:"id"`
	Email             string    `json:"email"`
	Name              *string   `json:"name,omitempty"`
	HasEverSubscribed bool      `json:"has_ever_subscribed"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
