// Package system is the process root: it owns the bridge and bus
// collections and the shutdown ordering between them, in the same
// shape as a top-level runtime struct owning its device list and its
// own start/stop sequencing.
package system

import (
	"fmt"
	"sync"

	"massbuscore/internal/bridge"
	"massbuscore/internal/bus"
	"massbuscore/internal/logctx"
)

// ErrUnknownBridge is returned when a bus is requested against a
// bridge name that was never registered.
var ErrUnknownBridge = fmt.Errorf("system: unknown bridge")

// ErrDuplicateBus is returned when create-bus names a letter already
// in use.
var ErrDuplicateBus = fmt.Errorf("system: bus letter already in use")

// System is the top-level collection of bridges and buses the
// operator CLI drives.
type System struct {
	mu      sync.Mutex
	bridges map[string]bridge.Bridge
	buses   map[byte]*bus.Bus
	started []*bus.Bus
}

// New returns an empty system.
func New() *System {
	return &System{
		bridges: make(map[string]bridge.Bridge),
		buses:   make(map[byte]*bus.Bus),
	}
}

// AddBridge registers a bridge under its own name, for later
// create-bus calls.
func (s *System) AddBridge(b bridge.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridges[b.Name()] = b
}

// Bridge looks up a previously registered bridge by name.
func (s *System) Bridge(name string) (bridge.Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bridges[name]
	return b, ok
}

// CreateBus builds a Bus over bridgeName and starts its service
// thread. override supplies the VHDL family for an offline bridge
// that has no bitstream of its own to report one.
func (s *System) CreateBus(letter byte, bridgeName string, override *bridge.VHDLFamily) (*bus.Bus, error) {
	s.mu.Lock()
	b, ok := s.bridges[bridgeName]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownBridge
	}
	if _, exists := s.buses[letter]; exists {
		s.mu.Unlock()
		return nil, ErrDuplicateBus
	}
	s.mu.Unlock()

	newBus := bus.New(letter, b, override)
	newBus.BeginService()

	s.mu.Lock()
	s.buses[letter] = newBus
	s.started = append(s.started, newBus)
	s.mu.Unlock()

	logctx.Root.WithFields(map[string]interface{}{"bus": string(letter), "bridge": bridgeName}).Info("bus created")
	return newBus, nil
}

// Bus looks up a previously created bus by letter.
func (s *System) Bus(letter byte) (*bus.Bus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buses[letter]
	return b, ok
}

// Buses returns every created bus, in creation order, for show-all.
func (s *System) Buses() []*bus.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*bus.Bus, len(s.started))
	copy(out, s.started)
	return out
}

// Shutdown stops every bus's service thread, waits for each to join,
// then closes every bridge. The operator surface itself is stopped by
// the caller (the CLI loop exiting) before Shutdown is invoked.
func (s *System) Shutdown() {
	s.mu.Lock()
	buses := make([]*bus.Bus, len(s.started))
	copy(buses, s.started)
	bridges := make([]bridge.Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		bridges = append(bridges, b)
	}
	s.mu.Unlock()

	for _, b := range buses {
		b.RequestStop()
	}
	for _, b := range buses {
		b.WaitStop()
	}
	for _, b := range bridges {
		if err := b.Close(); err != nil {
			logctx.Root.WithError(err).WithField("bridge", b.Name()).Warn("error closing bridge")
		}
	}
}
