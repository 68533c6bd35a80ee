package directory

import "time"

// Account is the row the school application keeps per user. The chat core only
// ever reads the Identity projection of it.
type Account struct {
	ID        string `gorm:"type:char(36);primaryKey"`
	FirstName string `gorm:"type:varchar(150);not null;default:''"`
	LastName  string `gorm:"type:varchar(150);not null;default:''"`
	Username  string `gorm:"type:varchar(150);uniqueIndex;not null"`
	Email     string `gorm:"type:varchar(254);index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Account) TableName() string { return "accounts" }

// Identity is the minimal read-only projection cached for presence.
type Identity struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}
