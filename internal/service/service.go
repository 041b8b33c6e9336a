package service

import (
	"go.uber.org/zap"

	"github.com/Almonaabdo/landLorkLinkAI/internal/broker"
	"github.com/Almonaabdo/landLorkLinkAI/internal/channel"
	"github.com/Almonaabdo/landLorkLinkAI/internal/config"
	"github.com/Almonaabdo/landLorkLinkAI/internal/logging"
	"github.com/Almonaabdo/landLorkLinkAI/internal/messagelog"
	"github.com/Almonaabdo/landLorkLinkAI/internal/metrics"
	"github.com/Almonaabdo/landLorkLinkAI/internal/policy"
	"github.com/Almonaabdo/landLorkLinkAI/internal/repository"
	"github.com/Almonaabdo/landLorkLinkAI/internal/seed"
	"github.com/Almonaabdo/landLorkLinkAI/internal/send"
)

type Service struct {
	log      *messagelog.Log
	registry *channel.Registry
	broker   *broker.Broker
	pipeline *send.Pipeline
	config   *config.Config
	logger   *zap.Logger
}

// New wires the chat channel components over store. policyEngine may be nil.
func New(store repository.DocumentStore, cfg *config.Config, policyEngine *policy.Engine, logger *zap.Logger, m *metrics.Metrics) *Service {
	logger = logging.OrNop(logger)
	log := messagelog.New(store, logger)
	seeder := seed.New(log, seed.Config{
		Text:           cfg.SeedText,
		MaxAttempts:    cfg.SeedMaxAttempts,
		InitialBackoff: cfg.SeedInitialBackoff,
	}, logger, m)

	var authz send.Authorizer
	if policyEngine != nil {
		authz = policyEngine
	}

	return &Service{
		log:      log,
		registry: channel.NewRegistry(seeder, logger, m),
		broker: broker.New(log, broker.Config{
			Buffer:     cfg.SubscriberBuffer,
			MaxBackoff: cfg.ReconnectMaxBackoff,
		}, logger, m),
		pipeline: send.New(log, send.Config{
			MaxAttempts: cfg.AppendMaxAttempts,
			FailedTTL:   cfg.FailedSendTTL,
		}, authz, logger, m),
		config: cfg,
		logger: logger,
	}
}

// Shutdown cancels every live subscription and discards every handle.
func (s *Service) Shutdown() {
	s.broker.Close()
	s.registry.Shutdown()
}
