// Package peripheral drives the radio through discovery, connection and GATT
// setup, and republishes characteristic values as raw payloads.
//
// All state is owned by a single event-loop goroutine. Commands and radio
// events are queued onto its mailbox and applied one at a time, so no state
// is shared with the radio binding or with observers.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/groutine"
	"github.com/srg/blesync/internal/metrics"
	"github.com/srg/blesync/internal/stream"
)

// ConnectPolicy selects which discovered peripherals the manager connects to
type ConnectPolicy string

const (
	// ConnectAll connects to any discovered peripheral while no connection is active.
	ConnectAll ConnectPolicy = "all"
	// ConnectFirst pins the manager to the first peripheral it tries to connect
	// to; other peripherals are discovered but never connected.
	ConnectFirst ConnectPolicy = "first"
)

// ParseConnectPolicy parses a policy name; empty selects ConnectAll
func ParseConnectPolicy(s string) (ConnectPolicy, error) {
	switch ConnectPolicy(s) {
	case "", ConnectAll:
		return ConnectAll, nil
	case ConnectFirst:
		return ConnectFirst, nil
	default:
		return "", fmt.Errorf("unknown connect policy %q (want %q or %q)", s, ConnectAll, ConnectFirst)
	}
}

// Options configures a Manager
type Options struct {
	// ServiceUUID restricts scanning and service discovery to the metrics
	// service (plus the battery service). Empty means no filter.
	ServiceUUID string
	// MetricsCharUUID selects the metrics characteristic. Empty selects the
	// first notifiable characteristic of a matching service.
	MetricsCharUUID string
	Policy          ConnectPolicy
	// PayloadBuffer is the per-subscriber payload buffer.
	PayloadBuffer int
}

// Manager is the peripheral connection state machine
type Manager struct {
	central device.Central
	opts    Options
	logger  *logrus.Logger

	// loop-owned state
	activated   bool
	initialized bool
	radio       device.RadioState
	scanning    bool
	connecting  string
	connected   *ConnectedPeripheral
	pinned      string
	lastErr     error
	battery     int
	closing     bool
	discovered  *orderedmap.OrderedMap[string, device.DiscoveredPeripheral]

	inbox    mailbox
	payloads *stream.Broadcaster[device.RawPayload]

	latest    atomic.Pointer[Snapshot]
	updates   *stream.RingChannel[Snapshot]
	obsMu     sync.Mutex
	observers []func(Snapshot)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager creates a Manager and starts its event loop. The radio is not
// touched until Activate.
func NewManager(central device.Central, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Policy == "" {
		opts.Policy = ConnectAll
	}
	opts.ServiceUUID = device.NormalizeUUID(opts.ServiceUUID)
	opts.MetricsCharUUID = device.NormalizeUUID(opts.MetricsCharUUID)

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		central:    central,
		opts:       opts,
		logger:     logger,
		battery:    -1,
		discovered: orderedmap.New[string, device.DiscoveredPeripheral](),
		inbox:      newMailbox(),
		payloads:   stream.NewBroadcaster[device.RawPayload](opts.PayloadBuffer),
		updates:    stream.NewRingChannel[Snapshot](1),
		ctx:        ctx,
		cancel:     cancel,
	}
	m.latest.Store(&Snapshot{BatteryLevel: -1, Discovered: []device.DiscoveredPeripheral{}})

	groutine.GoTracked(ctx, &m.wg, "peripheral-loop", m.run)
	groutine.Go(ctx, "peripheral-observer", m.observe)
	return m
}

// Activate creates the radio handle on first use. Later calls re-evaluate the
// radio state and resume scanning when powered on and not connected.
func (m *Manager) Activate() {
	m.do(func() {
		if !m.activated {
			m.activated = true
			m.logger.Info("Activating radio...")
			if err := m.central.Init(m.post); err != nil {
				m.logger.WithField("error", err).Error("Failed to initialize radio")
				m.lastErr = err
			}
			return
		}
		m.onRadioState(m.central.State())
	})
}

// StartScanning starts discovery. When the radio is not powered on the radio
// problem is recorded as the last error and nothing else happens.
func (m *Manager) StartScanning() {
	m.do(m.startScanning)
}

// StopScanning stops discovery. An existing connection is kept.
func (m *Manager) StopScanning() {
	m.do(m.stopScanning)
}

// Snapshot returns the state after the last applied event
func (m *Manager) Snapshot() Snapshot {
	return *m.latest.Load()
}

// OnChange registers fn to receive snapshots. Callbacks run one at a time on
// the observer goroutine and only see the latest snapshot when they fall behind.
// A callback may call Close.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Subscribe returns a stream of every characteristic value received from the
// connected peripheral. The channel closes when ctx is done or on Close.
func (m *Manager) Subscribe(ctx context.Context) <-chan device.RawPayload {
	return m.payloads.Subscribe(ctx)
}

// Close stops scanning, disconnects the peripheral and stops the manager.
// The observer goroutine is not waited for; an OnChange callback may still be
// running when Close returns.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.do(func() {
			m.closing = true
			m.stopScanning()
			if m.connected != nil {
				m.disconnect(m.connected.ID)
			} else if m.connecting != "" {
				m.disconnect(m.connecting)
			}
		})
		m.cancel()
		m.wg.Wait()

		if m.activated {
			err = m.central.Close()
		}
		m.payloads.Close()
		m.logger.Info("Peripheral manager stopped")
	})
	return err
}

// post queues a radio event. It never blocks.
func (m *Manager) post(ev device.Event) {
	m.inbox.put(ev)
}

type command struct {
	fn   func()
	done chan struct{}
}

// do runs fn on the loop and waits for it. After Close it is a no-op.
func (m *Manager) do(fn func()) {
	cmd := command{fn: fn, done: make(chan struct{})}
	m.inbox.put(cmd)
	select {
	case <-cmd.done:
	case <-m.ctx.Done():
	}
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.inbox.ready():
		}

		for _, item := range m.inbox.take() {
			switch v := item.(type) {
			case command:
				v.fn()
				m.publishSnapshot()
				close(v.done)
			case device.Event:
				m.apply(v)
				m.publishSnapshot()
			}
		}
	}
}

func (m *Manager) observe(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-m.updates.C():
			m.obsMu.Lock()
			observers := slices.Clone(m.observers)
			m.obsMu.Unlock()
			for _, fn := range observers {
				fn(snap)
			}
		}
	}
}

// apply is the single transition function for radio events
func (m *Manager) apply(ev device.Event) {
	switch e := ev.(type) {
	case device.RadioStateChanged:
		m.onRadioState(e.State)
	case device.PeripheralDiscovered:
		m.onDiscovered(e.Peripheral)
	case device.PeripheralConnected:
		m.onConnected(e.ID)
	case device.ConnectFailed:
		m.onConnectFailed(e.ID, e.Err)
	case device.PeripheralDisconnected:
		m.onDisconnected(e.ID, e.Err)
	case device.ServicesDiscovered:
		m.onServices(e)
	case device.CharacteristicsDiscovered:
		m.onCharacteristics(e)
	case device.ValueUpdated:
		m.onValue(e)
	default:
		m.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("Ignoring unknown radio event")
	}
}

func (m *Manager) onRadioState(state device.RadioState) {
	prev := m.radio
	m.radio = state
	m.initialized = true
	metrics.RadioState.Set(float64(state))

	if state != prev {
		m.logger.WithFields(logrus.Fields{
			"from": prev,
			"to":   state,
		}).Info("Radio state changed")
	}

	if state != device.StatePoweredOn {
		m.lastErr = device.StateError(state)
		m.scanning = false
		m.connecting = ""
		if m.connected != nil {
			m.connected = nil
			metrics.PeripheralConnected.Set(0)
		}
		return
	}

	var rerr *device.RadioError
	if errors.As(m.lastErr, &rerr) {
		m.lastErr = nil
	}
	if m.connected == nil && m.connecting == "" && !m.closing {
		m.startScanning()
	}
}

func (m *Manager) startScanning() {
	if m.radio != device.StatePoweredOn {
		m.lastErr = device.StateError(m.radio)
		m.logger.WithField("state", m.radio).Warn("Cannot scan, radio is not powered on")
		return
	}
	if m.scanning {
		return
	}

	var services []string
	if m.opts.ServiceUUID != "" {
		services = []string{m.opts.ServiceUUID}
	}
	if err := m.central.Scan(services); err != nil {
		m.logger.WithField("error", err).Error("Failed to start scanning")
		m.lastErr = err
		return
	}
	m.scanning = true
	m.logger.WithField("service", m.opts.ServiceUUID).Info("Scanning for peripherals")
}

func (m *Manager) stopScanning() {
	if !m.scanning {
		return
	}
	if err := m.central.StopScan(); err != nil {
		m.logger.WithField("error", err).Warn("Failed to stop scanning")
	}
	m.scanning = false
	m.logger.Debug("Scanning stopped")
}

func (m *Manager) onDiscovered(p device.DiscoveredPeripheral) {
	if _, seen := m.discovered.Get(p.ID); !seen {
		m.discovered.Set(p.ID, p)
		metrics.PeripheralsDiscovered.Inc()
		m.logger.WithFields(logrus.Fields{
			"id":   p.ID,
			"name": p.Name,
			"rssi": p.RSSI,
		}).Info("Discovered peripheral")
	}
	m.connect(p.ID)
}

func (m *Manager) connect(id string) {
	if m.radio != device.StatePoweredOn || m.closing {
		return
	}
	if m.connected != nil || m.connecting != "" {
		m.logger.WithFields(logrus.Fields{
			"id":         id,
			"connecting": m.connecting,
			"connected":  m.connected != nil,
		}).Debug("Connection already active, skipping peripheral")
		return
	}
	if m.opts.Policy == ConnectFirst {
		if m.pinned != "" && m.pinned != id {
			return
		}
		m.pinned = id
	}

	if err := m.central.Connect(id); err != nil {
		m.lastErr = &device.ConnectFailedError{ID: id, Err: err}
		metrics.ConnectFailures.Inc()
		m.logger.WithFields(logrus.Fields{
			"id":    id,
			"error": err,
		}).Error("Failed to request connection")
		return
	}
	m.connecting = id
	m.logger.WithField("id", id).Info("Connecting to peripheral")
}

func (m *Manager) disconnect(id string) {
	if err := m.central.Disconnect(id); err != nil {
		m.logger.WithFields(logrus.Fields{
			"id":    id,
			"error": err,
		}).Warn("Failed to request disconnect")
	}
}

func (m *Manager) onConnected(id string) {
	if id != m.connecting || m.closing {
		m.logger.WithField("id", id).Warn("Unexpected connection, disconnecting")
		m.disconnect(id)
		return
	}

	m.connecting = ""
	m.connected = &ConnectedPeripheral{ID: id}
	m.lastErr = nil
	metrics.PeripheralConnected.Set(1)
	m.stopScanning()

	var filter []string
	if m.opts.ServiceUUID != "" {
		filter = []string{m.opts.ServiceUUID, device.BatteryServiceUUID}
	}
	if err := m.central.DiscoverServices(id, filter); err != nil {
		m.logger.WithField("error", err).Error("Failed to request service discovery")
		m.lastErr = fmt.Errorf("%w: %v", device.ErrDiscoverFailed, err)
	}
	m.logger.WithField("id", id).Info("Peripheral connected")
}

func (m *Manager) onConnectFailed(id string, err error) {
	if id != m.connecting {
		return
	}
	m.connecting = ""
	m.lastErr = &device.ConnectFailedError{ID: id, Err: err}
	metrics.ConnectFailures.Inc()
	m.logger.WithFields(logrus.Fields{
		"id":    id,
		"error": err,
	}).Warn("Connection failed")

	if m.radio == device.StatePoweredOn && !m.closing {
		m.startScanning()
	}
}

func (m *Manager) onDisconnected(id string, err error) {
	switch {
	case m.connected != nil && m.connected.ID == id:
		m.connected = nil
		metrics.PeripheralConnected.Set(0)
	case m.connecting == id:
		m.connecting = ""
	default:
		return
	}

	fields := logrus.Fields{"id": id}
	if err != nil {
		fields["error"] = err
	}
	m.logger.WithFields(fields).Info("Peripheral disconnected")

	if m.radio == device.StatePoweredOn && !m.closing {
		m.startScanning()
	}
}

func (m *Manager) isCurrent(id string) bool {
	return m.connected != nil && m.connected.ID == id
}

func (m *Manager) onServices(e device.ServicesDiscovered) {
	if !m.isCurrent(e.ID) {
		return
	}
	if e.Err != nil {
		m.lastErr = fmt.Errorf("%w: %v", device.ErrDiscoverFailed, e.Err)
		m.logger.WithField("error", e.Err).Error("Service discovery failed")
		return
	}
	if len(e.Services) == 0 {
		m.lastErr = device.ErrDiscoverFailed
		m.logger.WithField("id", e.ID).Error("Peripheral exposes no services")
		return
	}

	var metricsFilter []string
	if m.opts.MetricsCharUUID != "" {
		metricsFilter = []string{m.opts.MetricsCharUUID}
	}

	for _, svc := range e.Services {
		var err error
		switch {
		case device.SameUUID(svc, device.BatteryServiceUUID):
			err = m.central.DiscoverCharacteristics(e.ID, svc, nil)
		case m.opts.ServiceUUID == "" || device.SameUUID(svc, m.opts.ServiceUUID):
			err = m.central.DiscoverCharacteristics(e.ID, svc, metricsFilter)
		default:
			continue
		}
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"service": svc,
				"error":   err,
			}).Warn("Failed to request characteristic discovery")
		}
	}
}

func (m *Manager) isMetrics(service string, c device.CharacteristicInfo) bool {
	if !c.Properties.CanNotify() {
		return false
	}
	if m.opts.MetricsCharUUID != "" {
		return device.SameUUID(c.UUID, m.opts.MetricsCharUUID)
	}
	if device.SameUUID(service, device.BatteryServiceUUID) {
		return false
	}
	return m.opts.ServiceUUID == "" || device.SameUUID(service, m.opts.ServiceUUID)
}

func (m *Manager) onCharacteristics(e device.CharacteristicsDiscovered) {
	if !m.isCurrent(e.ID) {
		return
	}
	if e.Err != nil {
		m.logger.WithFields(logrus.Fields{
			"service": e.Service,
			"error":   e.Err,
		}).Warn("Characteristic discovery failed")
		return
	}

	for _, c := range e.Characteristics {
		switch {
		case m.connected.Metrics == nil && m.isMetrics(e.Service, c):
			m.connected.Metrics = &c
			if err := m.central.Subscribe(e.ID, e.Service, c.UUID); err != nil {
				m.logger.WithField("error", err).Error("Failed to request subscription")
			}
			if err := m.central.Read(e.ID, e.Service, c.UUID); err != nil {
				m.logger.WithField("error", err).Warn("Failed to request initial read")
			}
			m.logger.WithFields(logrus.Fields{
				"service": e.Service,
				"char":    c.UUID,
			}).Info("Metrics characteristic bound")
		case device.SameUUID(c.UUID, device.BatteryLevelUUID) && c.Properties.Has(device.PropRead):
			m.connected.Battery = &c
			if err := m.central.Read(e.ID, e.Service, c.UUID); err != nil {
				m.logger.WithField("error", err).Warn("Failed to request battery read")
			}
		}
	}
}

func (m *Manager) onValue(e device.ValueUpdated) {
	if e.Err != nil {
		m.logger.WithFields(logrus.Fields{
			"id":    e.ID,
			"char":  e.Characteristic,
			"error": e.Err,
		}).Warn("Characteristic update failed")
		return
	}

	parsed, err := device.ParseCharacteristicValue(e.Characteristic, e.Data)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"char":  e.Characteristic,
			"error": err,
		}).Debug("Characteristic value not decoded")
	} else if level, ok := parsed.(device.BatteryLevel); ok {
		m.battery = int(level)
	}

	metrics.PayloadsPublished.WithLabelValues(e.Characteristic).Inc()
	if dropped := m.payloads.Publish(device.RawPayload{
		Peripheral:     e.ID,
		Characteristic: e.Characteristic,
		Data:           e.Data,
		ReceivedAt:     e.ReceivedAt,
	}); dropped > 0 {
		m.logger.WithField("subscribers", dropped).Debug("Slow payload subscribers lost a value")
	}
}

func (m *Manager) phase() Phase {
	switch {
	case !m.activated:
		return PhaseIdle
	case !m.initialized:
		return PhaseInitializing
	case m.radio != device.StatePoweredOn:
		return PhaseUnavailable
	case m.connected != nil:
		return PhaseConnected
	case m.scanning:
		return PhaseScanning
	default:
		return PhaseReady
	}
}

func (m *Manager) publishSnapshot() {
	snap := Snapshot{
		Radio:        m.radio,
		Phase:        m.phase(),
		Ready:        m.initialized && m.radio == device.StatePoweredOn,
		Scanning:     m.scanning,
		Connecting:   m.connecting,
		Discovered:   make([]device.DiscoveredPeripheral, 0, m.discovered.Len()),
		Err:          m.lastErr,
		BatteryLevel: m.battery,
	}
	if m.connected != nil {
		c := *m.connected
		snap.Connected = &c
	}
	for pair := m.discovered.Oldest(); pair != nil; pair = pair.Next() {
		snap.Discovered = append(snap.Discovered, pair.Value)
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}

	m.latest.Store(&snap)
	m.updates.Send(snap)
}
