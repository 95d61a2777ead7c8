package provider

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("provider not found")
	ErrDuplicate = errors.New("provider already exists")
)

type Repository interface {
	// Create returns ErrDuplicate when the id is taken.
	Create(ctx context.Context, p *Provider) error
	// GetByID returns ErrNotFound for unknown ids.
	GetByID(ctx context.Context, id string) (*Provider, error)
	Update(ctx context.Context, p *Provider) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Provider, int, error)
}
