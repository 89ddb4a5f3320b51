package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/smsgate/internal/clock"
	obsmetrics "github.com/smallbiznis/smsgate/internal/observability/metrics"
	"github.com/smallbiznis/smsgate/internal/observability/tracing"
	phonedomain "github.com/smallbiznis/smsgate/internal/phone/domain"
	"github.com/smallbiznis/smsgate/internal/provider/adapter"
	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"github.com/smallbiznis/smsgate/internal/provider/resolver"
	"github.com/smallbiznis/smsgate/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Phone    phonedomain.Service
	Repo     providerdomain.Repository
	Resolver *resolver.Cached
	Sealer   *resolver.Sealer

	Registry *adapter.Registry           `optional:"true"`
	Limiter  *ratelimit.ProviderLimiter  `optional:"true"`
	Metrics  *obsmetrics.DispatchMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	phone    phonedomain.Service
	repo     providerdomain.Repository
	resolver providerdomain.ConfigResolver
	cached   *resolver.Cached
	sealer   *resolver.Sealer
	registry *adapter.Registry
	limiter  *ratelimit.ProviderLimiter
	metrics  *obsmetrics.DispatchMetrics
	tracer   trace.Tracer
}

func NewService(p Params) *Service {
	registry := p.Registry
	if registry == nil {
		registry = adapter.NewDefaultRegistry()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	var res providerdomain.ConfigResolver
	if p.Resolver != nil {
		res = p.Resolver
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("provider.router"),
		genID:    p.GenID,
		clock:    clk,
		phone:    p.Phone,
		repo:     p.Repo,
		resolver: res,
		cached:   p.Resolver,
		sealer:   p.Sealer,
		registry: registry,
		limiter:  p.Limiter,
		metrics:  p.Metrics,
		tracer:   otel.Tracer("smsgate/provider"),
	}
}

// WithResolver swaps the config source; used when wiring tests without the database chain.
func (s *Service) WithResolver(r providerdomain.ConfigResolver) *Service {
	s.resolver = r
	return s
}

// Plan normalizes and classifies the recipient and picks the active provider for its carrier.
// Only resolver failures are returned as errors.
func (s *Service) Plan(ctx context.Context, raw string) (providerdomain.Plan, error) {
	phone := s.phone.Resolve(raw)
	plan := providerdomain.Plan{Phone: phone}
	if !phone.IsValid {
		plan.Reason = providerdomain.ReasonInvalidNumber
		return plan, nil
	}
	if s.resolver == nil {
		plan.Reason = providerdomain.ReasonProviderUnavailable
		return plan, nil
	}

	cfg, err := s.resolver.ResolveForCarrier(ctx, phone.Carrier)
	if err != nil {
		return plan, err
	}
	if cfg == nil || !cfg.Active {
		plan.Reason = providerdomain.ReasonProviderUnavailable
		return plan, nil
	}
	plan.Config = cfg
	return plan, nil
}

func (s *Service) Dispatch(ctx context.Context, plan providerdomain.Plan, body string) providerdomain.SendOutcome {
	out := providerdomain.SendOutcome{
		Phone:   plan.Phone,
		Carrier: plan.Phone.Carrier,
	}
	if !plan.Routable() {
		out.Reason = plan.Reason
		if out.Reason == "" {
			out.Reason = providerdomain.ReasonProviderUnavailable
		}
		out.Retryable = out.Reason == providerdomain.ReasonProviderUnavailable
		return out
	}

	cfg := *plan.Config
	out.ProviderCode = cfg.Code
	out.UnitCost = cfg.UnitCost

	log := s.log.With(
		zap.String("provider", cfg.Code),
		zap.String("carrier", string(plan.Phone.Carrier)),
	)

	if s.limiter.Enabled() {
		res, err := s.limiter.Allow(ctx, cfg.Code, cfg.RatePerSecond)
		if err != nil {
			log.Warn("provider rate limiter unavailable", zap.Error(err))
		} else if !res.Allowed {
			out.Reason = providerdomain.ReasonRateLimited
			out.Retryable = true
			out.ErrorText = "provider rate limit reached"
			s.metrics.ObserveProviderCall(cfg.Code, "rate_limited", 0)
			return out
		}
	}

	impl, ok := s.registry.Get(cfg.Kind)
	if !ok {
		out.Reason = providerdomain.ReasonProviderUnavailable
		out.Retryable = true
		out.ErrorText = providerdomain.ErrAdapterNotRegistered.Error()
		log.Error("no adapter for provider kind", zap.String("kind", string(cfg.Kind)))
		return out
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.EffectiveTimeout())
	defer cancel()
	callCtx, span := s.tracer.Start(callCtx, "provider.send", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("provider", cfg.Code),
		attribute.String("carrier", string(plan.Phone.Carrier)),
		attribute.String("kind", string(cfg.Kind)),
	)...))
	defer span.End()

	started := time.Now()
	resp, err := impl.Send(callCtx, cfg, providerdomain.Message{
		To:   plan.Phone.E164,
		From: cfg.SenderID,
		Body: body,
	})
	out.Elapsed = time.Since(started)

	applyResponse(callCtx, &out, resp, err)
	if !out.Success {
		span.SetStatus(codes.Error, out.Reason)
	}
	s.metrics.ObserveProviderCall(cfg.Code, outcomeLabel(out), out.Elapsed)

	if out.Success {
		log.Debug("provider.send.ok", zap.String("provider_message_id", out.ProviderMessageID))
	} else {
		log.Info("provider.send.failed",
			zap.String("reason", out.Reason),
			zap.Bool("retryable", out.Retryable),
			zap.Int("status_code", out.StatusCode),
			zap.String("error", out.ErrorText),
		)
	}
	return out
}

func applyResponse(callCtx context.Context, out *providerdomain.SendOutcome, resp providerdomain.Response, err error) {
	out.StatusCode = resp.StatusCode
	out.Raw = resp.Raw
	out.ProviderMessageID = resp.ProviderMessageID

	if err != nil {
		out.ErrorText = err.Error()
		switch {
		case errors.Is(err, providerdomain.ErrInvalidEndpoint):
			out.Reason = providerdomain.ReasonProviderUnavailable
			out.Retryable = true
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
			out.Reason = providerdomain.ReasonProviderTimeout
			out.Retryable = true
		default:
			out.Reason = providerdomain.ReasonProviderError
			out.Retryable = true
		}
		return
	}

	if resp.Success {
		out.Success = true
		return
	}
	out.ErrorText = resp.ErrorText
	out.Retryable = resp.Retryable
	if resp.Retryable {
		out.Reason = providerdomain.ReasonProviderError
	} else {
		out.Reason = providerdomain.ReasonProviderRejected
	}
}

func outcomeLabel(out providerdomain.SendOutcome) string {
	if out.Success {
		return "success"
	}
	return strings.ToLower(out.Reason)
}

func (s *Service) SendOne(ctx context.Context, raw string, body string) providerdomain.SendOutcome {
	plan, err := s.Plan(ctx, raw)
	if err != nil {
		s.log.Error("provider resolution failed", zap.Error(err))
		return providerdomain.SendOutcome{
			Phone:     plan.Phone,
			Carrier:   plan.Phone.Carrier,
			Reason:    providerdomain.ReasonProviderUnavailable,
			Retryable: true,
			ErrorText: err.Error(),
		}
	}
	return s.Dispatch(ctx, plan, body)
}

// SendBulk sends sequentially; Results keeps input order.
func (s *Service) SendBulk(ctx context.Context, phones []string, body string) providerdomain.BulkOutcome {
	out := providerdomain.BulkOutcome{
		Total:   len(phones),
		Results: make([]providerdomain.SendOutcome, 0, len(phones)),
	}
	for _, raw := range phones {
		res := s.SendOne(ctx, raw, body)
		if res.Success {
			out.Sent++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, res)
	}
	return out
}
