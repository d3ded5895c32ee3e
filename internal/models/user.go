package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the local record of a buyer; box office purchases may create stubs
// that only carry a name and optional contact details.
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID        uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	FirstName string    `bun:"first_name" json:"first_name"`
	LastName  string    `bun:"last_name" json:"last_name"`
	Email     *string   `bun:"email" json:"email"`
	Phone     *string   `bun:"phone" json:"phone"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}
