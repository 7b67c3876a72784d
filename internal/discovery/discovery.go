// ABOUTME: Periodic agent discovery sweep over the configured hosts and port range.
// ABOUTME: Registers agents that answer the card endpoint and evicts those that stop.

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perimeterlab/fleetgate/internal/a2a"
	"github.com/perimeterlab/fleetgate/internal/config"
	"github.com/perimeterlab/fleetgate/internal/registry"
	"github.com/perimeterlab/fleetgate/internal/telemetry"
)

// CardFetcher retrieves an agent card from a base URL.
type CardFetcher interface {
	FetchCard(ctx context.Context, baseURL string) (*a2a.AgentCard, error)
}

// Loop probes every host:port candidate on a fixed interval. Agents that
// answer get registered (re-registering refreshes the card and clears the
// miss counter); registered agents that stop answering accumulate misses
// until they are marked broken and eventually removed.
type Loop struct {
	cfg    config.DiscoveryConfig
	client CardFetcher
	reg    *registry.Registry
	tel    *telemetry.Store
	logger *slog.Logger
	addrs  []string
}

// New builds the candidate address list from the configured hosts and port
// range. It fails only if the port range does not parse.
func New(cfg config.DiscoveryConfig, client CardFetcher, reg *registry.Registry, tel *telemetry.Store, logger *slog.Logger) (*Loop, error) {
	start, end, err := cfg.PortBounds()
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	var addrs []string
	for _, host := range cfg.Hosts {
		for port := start; port <= end; port++ {
			addrs = append(addrs, fmt.Sprintf("http://%s:%d", host, port))
		}
	}

	return &Loop{
		cfg:    cfg,
		client: client,
		reg:    reg,
		tel:    tel,
		logger: logger,
		addrs:  addrs,
	}, nil
}

// Run sweeps once immediately, then on every tick until ctx ends.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("discovery started",
		"addresses", len(l.addrs),
		"interval", l.cfg.Interval.String())

	l.Sweep(ctx)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("discovery stopped")
			return
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}

// Sweep probes every candidate address once, at most MaxProbes in flight.
func (l *Loop) Sweep(ctx context.Context) {
	g := new(errgroup.Group)
	limit := l.cfg.MaxProbes
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, addr := range l.addrs {
		g.Go(func() error {
			l.probe(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Loop) probe(ctx context.Context, addr string) {
	pctx, cancel := context.WithTimeout(ctx, l.cfg.ProbeTimeout)
	defer cancel()

	card, err := l.client.FetchCard(pctx, addr)
	if err != nil {
		l.recordFailure(ctx, addr, err)
		return
	}

	if !l.reg.Contains(card.ID) {
		l.logger.Info("agent discovered",
			"agent_id", card.ID,
			"name", card.Name,
			"url", card.URL)
	}
	// The probe address keys the miss counter; the card may advertise a
	// different base URL.
	l.reg.RegisterAt(card, addr)
}

// recordFailure counts a missed probe against whichever agent is registered
// at addr. Unregistered addresses fail silently; a full port scan mostly hits
// nothing and that is not noteworthy.
func (l *Loop) recordFailure(ctx context.Context, addr string, err error) {
	if ctx.Err() != nil {
		// The sweep was cancelled, not the agent gone.
		return
	}

	id, ok := l.reg.FindByURL(addr)
	if !ok {
		return
	}

	misses, merr := l.reg.RecordMiss(id)
	if merr != nil {
		return
	}
	l.logger.Debug("agent probe failed",
		"agent_id", id,
		"url", addr,
		"misses", misses,
		"error", err)

	switch {
	case misses >= 2*l.cfg.EvictAfterMisses:
		l.logger.Warn("agent removed after repeated missed probes",
			"agent_id", id,
			"misses", misses)
		l.reg.Deregister(id)

	case misses >= l.cfg.EvictAfterMisses:
		// The counter is shared with the health monitor, so its increments
		// can carry it past the exact threshold between sweeps. Anything at
		// or over the line that is not already broken gets marked here.
		if status, serr := l.reg.Status(id); serr != nil || status == registry.StatusBroken {
			return
		}
		if serr := l.reg.SetStatus(id, registry.StatusBroken, registry.ReasonOffline, ""); serr != nil {
			return
		}
		l.logger.Warn("agent marked broken, not answering probes",
			"agent_id", id,
			"misses", misses)
		l.tel.AddError(telemetry.ErrorRecord{
			Timestamp: time.Now().UTC(),
			Message:   fmt.Sprintf("agent %s unreachable after %d missed probes", id, misses),
			AgentID:   id,
			Component: "discovery",
		})
	}
}
