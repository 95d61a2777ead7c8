package provider

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicsched/clinicsched/internal/domain/scheduling"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "provider").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func notFound(id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return &scheduling.NotFoundError{Resource: "provider", ID: id}
	}
	return err
}

func (s *Service) Create(ctx context.Context, p *Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	if err := s.repo.Create(ctx, p); err != nil {
		return err
	}
	s.logger.Info().Str("provider_id", p.ID).Str("role", p.Role).Msg("provider created")
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Provider, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	return p, nil
}

// Update overwrites the mutable fields. Deactivating a provider leaves
// existing appointments alone but blocks new bookings.
func (s *Service) Update(ctx context.Context, p *Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	existing, err := s.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, p); err != nil {
		return notFound(p.ID, err)
	}
	if existing.Active && !p.Active {
		s.logger.Warn().Str("provider_id", p.ID).Msg("provider deactivated")
	}
	return nil
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Provider, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// LookupProvider satisfies scheduling.ProviderDirectory.
func (s *Service) LookupProvider(ctx context.Context, id string) (*scheduling.ProviderRecord, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.record(), nil
}

var _ scheduling.ProviderDirectory = (*Service)(nil)
