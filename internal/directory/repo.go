package directory

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var ErrIdentityNotFound = errors.New("identity not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// FindIdentity loads the Identity projection for id.
func (r *Repo) FindIdentity(ctx context.Context, id string) (*Identity, error) {
	var a Account
	err := r.db.WithContext(ctx).
		Select("id", "first_name", "last_name", "username").
		Where("id = ?", id).
		First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}
	return &Identity{
		ID:        a.ID,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Username:  a.Username,
	}, nil
}
