package service

import (
	"context"
	"strings"

	"github.com/gosimple/slug"
	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"github.com/smallbiznis/smsgate/internal/provider/resolver"
	"go.uber.org/zap"
)

func (s *Service) UpsertConfig(ctx context.Context, req providerdomain.UpsertConfigRequest) (*providerdomain.ProviderConfig, error) {
	code := slug.Make(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, providerdomain.ErrInvalidProviderCode
	}
	kind := providerdomain.Kind(strings.ToLower(strings.TrimSpace(string(req.Kind))))
	if _, ok := s.registry.Get(kind); !ok {
		return nil, providerdomain.ErrInvalidProviderKind
	}
	carrier := strings.ToLower(strings.TrimSpace(string(req.Carrier)))
	if carrier == "" {
		return nil, providerdomain.ErrInvalidCarrier
	}
	if req.UnitCost < 0 {
		return nil, providerdomain.ErrInvalidUnitCost
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" && kind != providerdomain.KindTwilio {
		return nil, providerdomain.ErrInvalidEndpoint
	}

	creds := normalizeCredentials(req.Credentials)
	sealed, err := s.sealer.Seal(creds)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	record := providerdomain.ConfigRecord{
		ID:            s.genID.Generate(),
		Code:          code,
		Kind:          string(kind),
		Carrier:       carrier,
		Endpoint:      endpoint,
		SenderID:      strings.TrimSpace(req.SenderID),
		SuccessMarker: req.SuccessMarker,
		Credentials:   sealed,
		UnitCost:      req.UnitCost,
		TimeoutMs:     req.Timeout.Milliseconds(),
		RatePerSecond: req.RatePerSecond,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if existing != nil {
		record.ID = existing.ID
		record.IsActive = existing.IsActive
		record.CreatedAt = existing.CreatedAt
	}
	if req.Active != nil {
		record.IsActive = *req.Active
	}

	if err := s.repo.Upsert(ctx, s.db, &record); err != nil {
		return nil, err
	}
	s.invalidate()

	action := "provider.rotate_credentials"
	if existing == nil {
		action = "provider.create"
	}
	s.log.Info(action, zap.String("provider", code), zap.String("carrier", carrier), zap.Bool("active", record.IsActive))

	cfg, err := resolver.FromRecord(record, s.sealer)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Service) SetActive(ctx context.Context, code string, active bool) error {
	code = slug.Make(strings.TrimSpace(code))
	if code == "" {
		return providerdomain.ErrInvalidProviderCode
	}
	updated, err := s.repo.UpdateStatus(ctx, s.db, code, active, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !updated {
		return providerdomain.ErrProviderNotFound
	}
	s.invalidate()

	action := "provider.disable"
	if active {
		action = "provider.enable"
	}
	s.log.Info(action, zap.String("provider", code))
	return nil
}

func (s *Service) List(ctx context.Context) ([]providerdomain.ProviderConfig, error) {
	records, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	out := make([]providerdomain.ProviderConfig, 0, len(records))
	for _, record := range records {
		cfg, err := resolver.FromRecord(record, s.sealer)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *Service) invalidate() {
	if s.cached != nil {
		s.cached.Invalidate()
	}
}

func normalizeCredentials(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
