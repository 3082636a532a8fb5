// Package gateway exposes the match engine over NATS request/reply. Each
// subject decodes a protocol request, runs it against the Manager or the
// questionnaire Service under a deadline, and replies with the protocol
// envelope.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cozy/connections/internal/matching"
	"github.com/cozy/connections/internal/messaging"
	"github.com/cozy/connections/internal/metrics"
	"github.com/cozy/connections/internal/protocol"
	"github.com/cozy/connections/internal/questionnaire"
	"github.com/cozy/connections/internal/ratelimit"
)

// DefaultRequestTimeout bounds every request when none is configured.
const DefaultRequestTimeout = 5 * time.Second

// Bus registers request handlers. *messaging.NATSClient implements it.
type Bus interface {
	Handle(subject string, handler func(data []byte) []byte) error
}

// Limiter throttles requests per identifier. *ratelimit.Limiter implements
// it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Options configures a Service. Limiter is optional.
type Options struct {
	Limiter        Limiter
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Service binds protocol requests to the match engine.
type Service struct {
	manager   *matching.Manager
	questions *questionnaire.Service
	limiter   Limiter
	timeout   time.Duration
	logger    *zap.Logger
}

type handlerFunc func(ctx context.Context, data []byte) (any, error)

// NewService creates a gateway service.
func NewService(manager *matching.Manager, questions *questionnaire.Service, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Service{
		manager:   manager,
		questions: questions,
		limiter:   opts.Limiter,
		timeout:   opts.RequestTimeout,
		logger:    opts.Logger.Named("gateway"),
	}
}

// Register subscribes every subject on bus.
func (s *Service) Register(bus Bus) error {
	for subject, h := range s.routes() {
		if err := bus.Handle(subject, s.wrap(subject, h)); err != nil {
			return fmt.Errorf("gateway: register %s: %w", subject, err)
		}
		s.logger.Debug("subject registered", zap.String("subject", subject))
	}
	return nil
}

// Handler returns the reply function serving subject, or nil for an unknown
// subject.
func (s *Service) Handler(subject string) func(data []byte) []byte {
	h, ok := s.routes()[subject]
	if !ok {
		return nil
	}
	return s.wrap(subject, h)
}

func (s *Service) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		messaging.SubjectMatchFind:     s.find,
		messaging.SubjectMatchSuggest:  s.suggest,
		messaging.SubjectMatchList:     s.list,
		messaging.SubjectMatchRespond:  s.respond,
		messaging.SubjectMatchRefresh:  s.refresh,
		messaging.SubjectQuestions:     s.listQuestions,
		messaging.SubjectSubmitAnswers: s.submit,
	}
}

func (s *Service) wrap(subject string, h handlerFunc) func(data []byte) []byte {
	return func(data []byte) (reply []byte) {
		start := time.Now()
		defer func() {
			metrics.RequestDuration.WithLabelValues(subject).Observe(time.Since(start).Seconds())
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("handler panic", zap.String("subject", subject), zap.Any("panic", r))
				reply = protocol.Failure(protocol.CodeInternal, "internal error")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		result, err := h(ctx, data)
		if err != nil {
			return s.failure(subject, err)
		}

		out, err := protocol.Success(result)
		if err != nil {
			s.logger.Error("encode reply", zap.String("subject", subject), zap.Error(err))
			return protocol.Failure(protocol.CodeInternal, "internal error")
		}
		return out
	}
}

func (s *Service) failure(subject string, err error) []byte {
	code := codeFor(err)
	message := err.Error()

	switch code {
	case protocol.CodeInternal:
		s.logger.Error("request failed", zap.String("subject", subject), zap.Error(err))
		message = "internal error"
	case protocol.CodeUpstreamUnavailable:
		s.logger.Warn("upstream unavailable", zap.String("subject", subject), zap.Error(err))
		message = "upstream unavailable, retry later"
	default:
		s.logger.Debug("request rejected",
			zap.String("subject", subject), zap.String("code", code), zap.Error(err))
	}
	return protocol.Failure(code, message)
}

// allow applies rule to identifier. Limiter errors are logged and the
// request goes through.
func (s *Service) allow(ctx context.Context, identifier string, rule ratelimit.Rule) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, identifier, rule)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing request",
			zap.String("rule", rule.Name), zap.Error(err))
		return nil
	}
	if !ok {
		metrics.RateLimited.WithLabelValues(rule.Name).Inc()
		return fmt.Errorf("%w: %s limit of %d per %s", errRateLimited, rule.Name, rule.Limit, rule.Window)
	}
	return nil
}

func decode(data []byte, v any) error {
	if err := protocol.DecodeRequest(data, v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func required(fields ...string) error {
	for i := 0; i < len(fields); i += 2 {
		if fields[i+1] == "" {
			return fmt.Errorf("%w: %s is required", errBadRequest, fields[i])
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Service) find(ctx context.Context, data []byte) (any, error) {
	var req protocol.FindMatchRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := required("user_id", req.UserID, "candidate_id", req.CandidateID); err != nil {
		return nil, err
	}
	return s.manager.FindOrCreate(ctx, req.UserID, req.CandidateID)
}

func (s *Service) suggest(ctx context.Context, data []byte) (any, error) {
	var req protocol.SuggestRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := required("user_id", req.UserID); err != nil {
		return nil, err
	}
	if err := s.allow(ctx, req.UserID, ratelimit.RuleSuggest); err != nil {
		return nil, err
	}
	return s.manager.Suggest(ctx, req.UserID)
}

func (s *Service) list(ctx context.Context, data []byte) (any, error) {
	var req protocol.ListMatchesRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := required("user_id", req.UserID); err != nil {
		return nil, err
	}

	filter := matching.Filter{Statuses: req.Statuses, MinScore: req.MinScore}
	if req.View != "" {
		var err error
		if filter, err = s.manager.Policy().FilterFor(req.View); err != nil {
			return nil, fmt.Errorf("%w: %w", errBadRequest, err)
		}
	}
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", errBadRequest, st)
		}
	}
	if filter.MinScore < 0 || filter.MinScore > 1 {
		return nil, fmt.Errorf("%w: min_score must lie in [0,1]", errBadRequest)
	}
	return s.manager.List(ctx, req.UserID, filter)
}

func (s *Service) respond(ctx context.Context, data []byte) (any, error) {
	var req protocol.RespondRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := required("match_id", req.MatchID, "caller_id", req.CallerID); err != nil {
		return nil, err
	}
	decision, err := matching.ParseDecision(req.Decision)
	if err != nil {
		return nil, err
	}
	if err := s.allow(ctx, req.CallerID, ratelimit.RuleRespond); err != nil {
		return nil, err
	}
	return s.manager.Respond(ctx, req.MatchID, req.CallerID, decision)
}

func (s *Service) refresh(ctx context.Context, data []byte) (any, error) {
	var req protocol.RefreshRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := required("match_id", req.MatchID); err != nil {
		return nil, err
	}
	return s.manager.RefreshScore(ctx, req.MatchID)
}

func (s *Service) listQuestions(ctx context.Context, data []byte) (any, error) {
	if err := decode(data, &struct{}{}); err != nil {
		return nil, err
	}
	return s.questions.Questions(ctx)
}

func (s *Service) submit(ctx context.Context, data []byte) (any, error) {
	var req protocol.SubmitAnswersRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := required("user_id", req.UserID); err != nil {
		return nil, err
	}
	if err := s.questions.Submit(ctx, req.UserID, req.Answers); err != nil {
		return nil, err
	}
	return protocol.SubmitAnswersResult{Saved: len(req.Answers)}, nil
}

var (
	_ Bus     = (*messaging.NATSClient)(nil)
	_ Limiter = (*ratelimit.Limiter)(nil)
)
