// Package supervisor implements the connection supervisor (C5): startup
// defensive reconnect, device re-announcement on reconnect, service-topic
// subscription, and the post-subscribe shared-attribute seed fetch,
// grounded on the teacher's ap.rpcd/rpcd.go connection-state handling
// (connect/reconnect around a gRPC channel) adapted from a single cloud
// RPC channel to an MQTT-shaped pub/sub session with device multiplexing.
package supervisor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/brightgate-iot/edgegw/gw_common/registry"
	"github.com/brightgate-iot/edgegw/gw_common/transport"
)

// Supervisor owns the cloud connection's lifecycle transitions.
type Supervisor struct {
	transport transport.Transport
	registry  *registry.Registry
	log       *zap.SugaredLogger

	onAttributes transport.AttributeRequestHandler
	onRPC        transport.RPCRequestHandler

	mu                sync.Mutex
	wasConnected      bool
	subscribed        bool
	attributesFetched bool
	configuringRemote bool
}

// New builds a Supervisor. onAttributes/onRPC are wired to the
// subscription calls made on every (re)connect.
func New(tr transport.Transport, reg *registry.Registry, log *zap.SugaredLogger, onAttributes transport.AttributeRequestHandler, onRPC transport.RPCRequestHandler) *Supervisor {
	return &Supervisor{
		transport:    tr,
		registry:     reg,
		log:          log,
		onAttributes: onAttributes,
		onRPC:        onRPC,
	}
}

// Start issues the defensive disconnect-then-connect spec.md §4.5 opens
// with, then runs Tick once to subscribe and re-announce.
func (s *Supervisor) Start(ctx context.Context) error {
	s.transport.Disconnect()
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	s.Tick(ctx)
	return nil
}

// Tick checks for a connection-state transition and reacts, matching
// spec.md §4.5's two transition handlers plus the post-subscribe shared-
// attribute seed. Called once per scheduler iteration (C8).
func (s *Supervisor) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	connected := s.transport.Connected()

	if s.wasConnected && !connected {
		s.subscribed = false
		s.attributesFetched = false
		s.wasConnected = false
		if s.log != nil {
			s.log.Warn("cloud connection lost")
		}
		return
	}

	if !s.wasConnected && connected {
		s.wasConnected = true
		s.reannounceDevices(ctx)

		if err := s.transport.SubscribeServiceTopics(s.onAttributes, s.onRPC); err != nil {
			if s.log != nil {
				s.log.Errorw("failed to subscribe to service topics", "error", err)
			}
			return
		}
		s.subscribed = true
	}

	if s.subscribed && !s.attributesFetched {
		if err := s.transport.RequestSharedAttributes(ctx); err != nil {
			if s.log != nil {
				s.log.Errorw("failed to request shared attributes", "error", err)
			}
			return
		}
		s.attributesFetched = true
	}
}

func (s *Supervisor) reannounceDevices(ctx context.Context) {
	if s.registry == nil {
		return
	}
	for _, d := range s.registry.Snapshot() {
		if err := s.transport.AddDevice(ctx, d.Name, d.Type); err != nil && s.log != nil {
			s.log.Errorw("failed to re-announce device", "device", d.Name, "error", err)
		}
	}
}

// Connected reports the transport's live connection state, satisfying the
// uplink pipeline's CloudStatus contract.
func (s *Supervisor) Connected() bool {
	return s.transport.Connected()
}

// ConfiguringRemote reports whether a remote configuration apply is
// currently in flight (spec.md §4.4's uplink-skip window).
func (s *Supervisor) ConfiguringRemote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configuringRemote
}

// SetConfiguringRemote is called by the attribute handler (C7) around a
// remote-configuration apply.
func (s *Supervisor) SetConfiguringRemote(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configuringRemote = v
}
