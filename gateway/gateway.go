// Package gateway assembles the transport, poller, dispatcher and climate
// layers from a validated configuration and runs them as one unit.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mwinther/hpgate/climate"
	"github.com/mwinther/hpgate/command"
	"github.com/mwinther/hpgate/config"
	"github.com/mwinther/hpgate/derive"
	"github.com/mwinther/hpgate/poll"
	"github.com/mwinther/hpgate/regmap"
	"github.com/mwinther/hpgate/state"
	"github.com/mwinther/hpgate/telemetry"
	"github.com/mwinther/hpgate/transport"
)

// Gateway owns every runtime component of one heat-pump connection.
type Gateway struct {
	cfg       *config.Config
	logger    zerolog.Logger
	regs      *regmap.Map
	client    *transport.Client
	cache     *state.Cache
	collector telemetry.Collector

	dispatcher  *command.Dispatcher
	poller      *poll.Coordinator
	climate     *climate.Controller

	metrics *http.Server
}

// New builds a gateway from a validated configuration. Nothing connects until
// Run; construction only fails on configuration-level problems.
func New(cfg *config.Config, logger zerolog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("configuration must not be nil")
	}
	regs, err := cfg.RegisterMap()
	if err != nil {
		return nil, fmt.Errorf("register map: %w", err)
	}

	collector := telemetry.Collector(telemetry.Noop())
	if cfg.Telemetry.Enabled {
		prom, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		collector = prom
	}

	client := transport.NewClient(transport.Config{
		Address: cfg.Connection.Address,
		UnitID:  cfg.Connection.UnitID,
		Timeout: cfg.Connection.Timeout.Duration,
	}, logger)
	cache := state.NewCache()

	pollOpts := []poll.Option{poll.WithTelemetry(collector)}
	if cfg.MaxGap > 0 {
		pollOpts = append(pollOpts, poll.WithMaxGap(cfg.MaxGap))
	}
	if len(cfg.Computed) > 0 {
		signals := make([]derive.Signal, 0, len(cfg.Computed))
		for _, c := range cfg.Computed {
			signals = append(signals, derive.Signal{Name: c.Name, Expression: c.Expression})
		}
		engine, err := derive.New(signals, logger)
		if err != nil {
			return nil, fmt.Errorf("computed signals: %w", err)
		}
		pollOpts = append(pollOpts, poll.WithEnricher(engine.Enrich))
	}

	poller, err := poll.New(client, regs, cache, cfg.ScanInterval.Duration, logger, pollOpts...)
	if err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}

	cmdOpts := []command.Option{command.WithTelemetry(collector)}
	if cfg.ConfirmCycles > 0 {
		cmdOpts = append(cmdOpts, command.WithConfirmCycles(cfg.ConfirmCycles))
	}
	dispatcher, err := command.New(client, regs, cache, logger, cmdOpts...)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	controller, err := climate.New(cache, dispatcher, logger)
	if err != nil {
		return nil, fmt.Errorf("climate: %w", err)
	}

	g := &Gateway{
		cfg:         cfg,
		logger:      logger.With().Str("component", "gateway").Logger(),
		regs:        regs,
		client:      client,
		cache:       cache,
		collector:   collector,
		dispatcher:  dispatcher,
		poller:      poller,
		climate:     controller,
	}
	if cfg.Telemetry.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.metrics = &http.Server{Addr: cfg.Telemetry.Listen, Handler: mux}
	}
	return g, nil
}

// Run polls until the context ends. The metrics endpoint, when enabled, lives
// for exactly as long as the poll loop.
func (g *Gateway) Run(ctx context.Context) error {
	if g.metrics != nil {
		go func() {
			g.logger.Info().Str("listen", g.metrics.Addr).Msg("metrics endpoint listening")
			if err := g.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := g.metrics.Shutdown(shutdownCtx); err != nil {
				g.logger.Warn().Err(err).Msg("metrics endpoint shutdown")
			}
		}()
	}

	g.logger.Info().
		Str("gateway", g.cfg.Connection.Address).
		Dur("scan_interval", g.poller.Interval()).
		Int("registers", len(g.regs.Descriptors())).
		Msg("gateway started")
	return g.poller.Run(ctx)
}

// Close releases the transport session.
func (g *Gateway) Close() error {
	return g.client.Close()
}

// State returns the shared snapshot cache.
func (g *Gateway) State() *state.Cache {
	return g.cache
}

// Commands returns the write dispatcher.
func (g *Gateway) Commands() *command.Dispatcher {
	return g.dispatcher
}

// Climate returns the thermostat-style translation layer.
func (g *Gateway) Climate() *climate.Controller {
	return g.climate
}

// Registers returns the active register map.
func (g *Gateway) Registers() *regmap.Map {
	return g.regs
}
