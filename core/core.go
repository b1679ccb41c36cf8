// Package core wires the cluster driver adapter, epoch log, membership
// state, event serializer and protocol engine into the single value
// spec.md §9's design note calls for: "an explicit Core value owned by
// the serializer task" replacing the teacher's implicit global "sys"
// state. Core is constructed once in cmd/sheepdogd and handed by
// reference only to the serializer goroutine; every other goroutine
// (the driver's dispatch loop, the metrics HTTP server, future RPC
// listeners) holds only the narrow handles this package exposes.
package core

import (
	"context"
	"fmt"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ikedaj/sheepdog/internal/config"
	"github.com/ikedaj/sheepdog/internal/driver"
	"github.com/ikedaj/sheepdog/internal/epochlog"
	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/metrics"
	"github.com/ikedaj/sheepdog/internal/protocol"
	"github.com/ikedaj/sheepdog/internal/serializer"
	"github.com/ikedaj/sheepdog/internal/store"
	"github.com/ikedaj/sheepdog/internal/wire"
)

// Collaborators bundles the spec's out-of-scope collaborator
// interfaces (spec.md §1, §6 "K | Collaborator stubs"). Any of these
// may be left nil: a membership-only node never calls IOPool/Gateway
// (no Request event is submitted without a client-facing listener,
// itself out of this module's scope), and ObjectStore is checked for
// nil at every call site in internal/serializer.
type Collaborators struct {
	ObjectStore store.ObjectStore
	VDILayer    store.VDILayer
	Gateway     store.Gateway
	IOPool      store.IOPool
}

// Core is the wired cluster membership and coordination core.
type Core struct {
	cfg     *config.Configuration
	logger  hclog.Logger
	metrics *metrics.Metrics

	state    *membership.State
	epochLog *epochlog.Log
	adapter  driver.Adapter
	serial   *serializer.Serializer
	engine   *protocol.Engine

	self      membership.NodeID
	selfEntry membership.NodeEntry
}

var _ driver.Handlers = (*Core)(nil)

// New builds a Core from cfg, wiring a MemberlistAdapter, an on-disk
// epoch log, fresh membership state, and a protocol.Engine as the
// serializer's Handler. adapter may be supplied directly (e.g. a
// driver.Loopback for tests); if nil, a production MemberlistAdapter is
// built from cfg.Driver.
func New(cfg *config.Configuration, logger hclog.Logger, reg prometheus.Registerer, adapter driver.Adapter, collab Collaborators) (*Core, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	log := logger.Named("core")

	epochLog, err := epochlog.Open(cfg.Storage.EpochLogDir, logger)
	if err != nil {
		return nil, fmt.Errorf("core: open epoch log: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled && reg != nil {
		m = metrics.New(reg)
	}

	state := membership.NewState()
	state.SetCopies(cfg.Storage.Copies)

	if adapter == nil {
		adapter = driver.NewMemberlistAdapter(driver.Config{
			Name:             cfg.Node.Name,
			BindAddr:         cfg.Node.BindAddr,
			BindPort:         cfg.Node.BindPort,
			AdvertiseAddr:    cfg.Node.AdvertiseAddr,
			AdvertisePort:    cfg.Node.AdvertisePort,
			Zone:             cfg.Node.Zone,
			VNodes:           cfg.Node.VNodes,
			TCPTimeout:       cfg.Driver.TCPTimeout,
			SuspicionMult:    cfg.Driver.SuspicionMult,
			PushPullInterval: cfg.Driver.PushPullInterval,
			GossipInterval:   cfg.Driver.GossipInterval,
			Logger:           logger,
		})
	}

	c := &Core{
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		state:    state,
		epochLog: epochLog,
		adapter:  adapter,
	}

	self, err := adapter.Init(c)
	if err != nil {
		return nil, fmt.Errorf("core: driver init: %w", err)
	}
	c.self = self
	c.selfEntry = membership.NodeEntry{
		Addr:   cfg.Node.AdvertiseAddr,
		Port:   uint16(cfg.Node.AdvertisePort),
		Zone:   cfg.Node.Zone,
		VNodes: cfg.Node.VNodes,
	}
	if c.selfEntry.Addr == "" {
		c.selfEntry.Addr = cfg.Node.BindAddr
	}
	if c.selfEntry.Port == 0 {
		c.selfEntry.Port = uint16(cfg.Node.BindPort)
	}

	c.engine = protocol.New(protocol.Config{
		Self:      c.self,
		SelfEntry: c.selfEntry,
		State:     state,
		EpochLog:  epochLog,
		Driver:    adapter,
		VDILayer:  collab.VDILayer,
		Logger:    logger,
		Metrics:   m,
	})

	c.serial = serializer.New(serializer.Config{
		Self:        c.self,
		State:       state,
		Handler:     c.engine,
		ObjectStore: collab.ObjectStore,
		IOPool:      collab.IOPool,
		Gateway:     collab.Gateway,
		Logger:      logger,
		Metrics:     m,
	})

	return c, nil
}

// State returns the read side of the membership state, safe to share
// with any number of read-only goroutines (metrics exporter, status
// RPC handler).
func (c *Core) State() *membership.State { return c.state }

// Self returns this node's identity.
func (c *Core) Self() membership.NodeID { return c.self }

// Engine returns the protocol engine, whose SubmitVDIOp and Leave
// methods are the narrow write surface exposed to client-facing
// goroutines outside the serializer.
func (c *Core) Engine() *protocol.Engine { return c.engine }

// Serializer returns the event serializer, whose Submit* methods are
// the only way any other goroutine may enqueue work for the single
// cluster-worker task.
func (c *Core) Serializer() *serializer.Serializer { return c.serial }

// --- driver.Handlers ---

func (c *Core) OnViewJoin(id membership.NodeID, self bool, members []membership.NodeID) {
	c.serial.SubmitViewJoin(id, self, members)
}

func (c *Core) OnViewLeave(id membership.NodeID, members []membership.NodeID) {
	c.serial.SubmitViewLeave(id, members)
}

func (c *Core) OnNotify(env *wire.Envelope) {
	c.serial.SubmitNotify(env)
}

// Join requests this node's admission to the cluster given at least one
// existing member address (empty means bootstrap a new cluster of
// one), per spec §4.E.2.
func (c *Core) Join(existing []string) error {
	if err := c.adapter.Join(existing); err != nil {
		return fmt.Errorf("core: join: %w", err)
	}
	return nil
}

// Leave broadcasts this node's own voluntary departure, for graceful
// shutdown (spec §4.E.4).
func (c *Core) Leave(ctx context.Context) error {
	return c.engine.Leave(ctx)
}

// Run drives the serializer's scheduling loop and the driver's dispatch
// loop concurrently until ctx is done or either reports a fatal
// condition, per spec.md §7 tier 1. It returns the first fatal error
// observed; cmd/sheepdogd is the only caller permitted to act on it by
// calling os.Exit.
func (c *Core) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- c.serial.Run(runCtx) }()
	go func() { errs <- c.adapter.Dispatch(runCtx) }()

	select {
	case <-runCtx.Done():
		return nil
	case err := <-c.engine.Fatal():
		c.logger.Error("fatal protocol condition", "error", err)
		return err
	case err := <-errs:
		if err != nil {
			c.logger.Error("fatal driver condition", "error", err)
		}
		return err
	}
}

// Shutdown leaves the cluster driver group.
func (c *Core) Shutdown() error {
	return c.adapter.Shutdown()
}
