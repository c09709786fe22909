package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/groutine"
)

// DefaultConnectTimeout bounds a single Dial
const DefaultConnectTimeout = 30 * time.Second

// link is the live GATT state of one connected peripheral
type link struct {
	client GATTClient
	// service UUID -> handle
	services *hashmap.Map[string, *ble.Service]
	// "service/characteristic" -> handle
	chars *hashmap.Map[string, *ble.Characteristic]

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func charKey(service, char string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(char)
}

// Central implements device.Central on top of go-ble.
//
// Blocking radio calls (dial, discovery, reads, subscription setup) run one at
// a time on a dedicated I/O goroutine. Scanning runs on its own goroutine
// because a go-ble scan blocks until cancelled.
type Central struct {
	logger         *logrus.Logger
	newHost        func() (Host, error)
	connectTimeout time.Duration

	mu       sync.Mutex
	host     Host
	state    device.RadioState
	handler  device.EventHandler
	started  bool
	scanGen  int
	scanStop context.CancelFunc
	pending  []func()

	links *hashmap.Map[string, *link]

	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ device.Central = (*Central)(nil)

// NewCentral creates a Central bound to the platform radio.
func NewCentral(connectTimeout time.Duration, logger *logrus.Logger) *Central {
	return NewCentralWithHost(NewHost, connectTimeout, logger)
}

// NewCentralWithHost creates a Central whose radio handle comes from newHost.
func NewCentralWithHost(newHost func() (Host, error), connectTimeout time.Duration, logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Central{
		logger:         logger,
		newHost:        newHost,
		connectTimeout: connectTimeout,
		links:          hashmap.New[string, *link](),
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Init creates the radio handle and starts the I/O goroutine. Calling it
// again only re-reports the radio state.
func (c *Central) Init(handler device.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("event handler is nil")
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return device.ErrNotInitialized
	}
	if !c.started {
		c.started = true
		c.handler = handler
		groutine.Go(c.ctx, "ble-io", c.runIO)
	}
	c.mu.Unlock()

	c.refresh(true)
	return nil
}

// State re-evaluates the radio. A missing radio handle is re-created, so a
// radio that was switched on since the last attempt reports PoweredOn.
func (c *Central) State() device.RadioState {
	return c.refresh(false)
}

func (c *Central) refresh(force bool) device.RadioState {
	c.mu.Lock()
	prev := c.state
	if c.host == nil && c.ctx.Err() == nil {
		host, err := c.newHost()
		if err != nil {
			c.state = stateFromError(err)
			c.logger.WithFields(logrus.Fields{
				"state": c.state,
				"error": err,
			}).Warn("Radio is not available")
		} else {
			c.host = host
			c.state = device.StatePoweredOn
		}
	}
	state := c.state
	c.mu.Unlock()

	if force || state != prev {
		c.emit(device.RadioStateChanged{State: state})
	}
	return state
}

// markUnavailable drops the radio handle after an operation reported a radio
// state problem.
func (c *Central) markUnavailable(err error) bool {
	var rerr *device.RadioError
	if !errors.As(NormalizeError(err), &rerr) {
		return false
	}

	c.mu.Lock()
	changed := c.state != rerr.State
	c.state = rerr.State
	c.host = nil
	c.mu.Unlock()

	if changed {
		c.emit(device.RadioStateChanged{State: rerr.State})
	}
	return true
}

func (c *Central) emit(ev device.Event) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// Scan starts discovery. Advertisers are reported when they advertise at
// least one of services, or unconditionally when services is empty.
func (c *Central) Scan(services []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.host == nil {
		if err := device.StateError(c.state); err != nil {
			return err
		}
		return device.ErrNotInitialized
	}
	if c.scanStop != nil {
		return nil
	}

	filter := device.NormalizeUUIDs(services)
	ctx, cancel := context.WithCancel(c.ctx)
	c.scanGen++
	gen := c.scanGen
	c.scanStop = cancel
	host := c.host

	c.logger.WithField("services", filter).Info("Starting BLE scan...")

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := host.Scan(ctx, false, func(adv device.Advertisement) {
			c.handleAdvertisement(adv, filter)
		})

		c.mu.Lock()
		if c.scanGen == gen {
			c.scanStop = nil
		}
		c.mu.Unlock()
		cancel()

		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.logger.WithField("error", err).Error("BLE scan failed")
			c.markUnavailable(err)
			return
		}
		c.logger.Debug("BLE scan stopped")
	})
	return nil
}

// handleAdvertisement applies the service filter and reports the advertiser
func (c *Central) handleAdvertisement(adv device.Advertisement, filter []string) {
	if len(filter) > 0 {
		matched := false
		for _, svc := range adv.Services() {
			if device.ContainsUUID(filter, svc) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
	}

	c.emit(device.PeripheralDiscovered{Peripheral: device.DiscoveredPeripheral{
		ID:   adv.Addr(),
		Name: adv.LocalName(),
		RSSI: adv.RSSI(),
	}})
}

// StopScan cancels a running scan
func (c *Central) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanStop != nil {
		c.scanStop()
		c.scanStop = nil
	}
	return nil
}

// submit queues op for the I/O goroutine
func (c *Central) submit(op func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return device.ErrNotInitialized
	}
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}
	c.pending = append(c.pending, op)

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Central) runIO(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		c.mu.Lock()
		ops := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, op := range ops {
			if ctx.Err() != nil {
				return
			}
			op()
		}
	}
}

// Connect dials the peripheral with the given address
func (c *Central) Connect(id string) error {
	c.mu.Lock()
	host := c.host
	c.mu.Unlock()
	if host == nil {
		return device.ErrNotInitialized
	}

	return c.submit(func() {
		if _, ok := c.links.Get(id); ok {
			c.emit(device.ConnectFailed{ID: id, Err: device.ErrAlreadyConnected})
			return
		}

		c.logger.WithFields(logrus.Fields{
			"address": id,
			"timeout": c.connectTimeout,
		}).Info("Connecting to peripheral...")

		ctx, cancel := context.WithTimeout(c.ctx, c.connectTimeout)
		defer cancel()

		client, err := host.Dial(ctx, id)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %v", device.ErrTimeout, err)
			}
			c.logger.WithFields(logrus.Fields{
				"address": id,
				"error":   err,
			}).Error("Failed to dial peripheral")
			c.markUnavailable(err)
			c.emit(device.ConnectFailed{ID: id, Err: err})
			return
		}

		lctx, lcancel := context.WithCancel(c.ctx)
		l := &link{
			client:   client,
			services: hashmap.New[string, *ble.Service](),
			chars:    hashmap.New[string, *ble.Characteristic](),
			ctx:      lctx,
			cancel:   lcancel,
		}
		c.links.Set(id, l)
		c.monitor(id, l)

		c.logger.WithField("address", id).Info("Peripheral connected")
		c.emit(device.PeripheralConnected{ID: id})
	})
}

// monitor reports an unrequested disconnect
func (c *Central) monitor(id string, l *link) {
	groutine.Go(l.ctx, "ble-disconnect-monitor", func(ctx context.Context) {
		select {
		case <-l.client.Disconnected():
			c.logger.WithField("address", id).Warn("Peripheral reported disconnection")
			c.dropLink(id, l, device.ErrNotConnected)
		case <-ctx.Done():
		}
	})
}

// dropLink forgets a link and reports the disconnect exactly once
func (c *Central) dropLink(id string, l *link, cause error) {
	l.once.Do(func() {
		l.cancel()
		if cur, ok := c.links.Get(id); ok && cur == l {
			c.links.Del(id)
		}
		c.emit(device.PeripheralDisconnected{ID: id, Err: cause})
	})
}

// Disconnect closes the connection to the peripheral
func (c *Central) Disconnect(id string) error {
	return c.submit(func() {
		l, ok := c.links.Get(id)
		if !ok {
			return
		}
		c.logger.WithField("address", id).Info("Disconnecting peripheral...")
		// Drop first so the monitor does not report this as a link loss.
		c.dropLink(id, l, nil)
		if err := l.client.CancelConnection(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"address": id,
				"error":   err,
			}).Warn("Peripheral disconnected with errors")
		}
	})
}

// DiscoverServices discovers services of a connected peripheral
func (c *Central) DiscoverServices(id string, filter []string) error {
	return c.submit(func() {
		l, ok := c.links.Get(id)
		if !ok {
			c.emit(device.ServicesDiscovered{ID: id, Err: device.ErrNotConnected})
			return
		}

		uuids, err := toBLEUUIDs(filter)
		if err != nil {
			c.emit(device.ServicesDiscovered{ID: id, Err: fmt.Errorf("invalid service filter: %w", err)})
			return
		}

		svcs, err := l.client.DiscoverServices(uuids)
		if err != nil {
			c.emit(device.ServicesDiscovered{ID: id, Err: NormalizeError(err)})
			return
		}

		names := make([]string, 0, len(svcs))
		for _, svc := range svcs {
			uuid := device.NormalizeUUID(svc.UUID.String())
			l.services.Set(uuid, svc)
			names = append(names, uuid)
		}

		c.logger.WithFields(logrus.Fields{
			"address":  id,
			"services": names,
		}).Debug("Services discovered")
		c.emit(device.ServicesDiscovered{ID: id, Services: names})
	})
}

// DiscoverCharacteristics discovers characteristics of a previously discovered service
func (c *Central) DiscoverCharacteristics(id, service string, filter []string) error {
	return c.submit(func() {
		service := device.NormalizeUUID(service)
		fail := func(err error) {
			c.emit(device.CharacteristicsDiscovered{ID: id, Service: service, Err: err})
		}

		l, ok := c.links.Get(id)
		if !ok {
			fail(device.ErrNotConnected)
			return
		}
		svc, ok := l.services.Get(service)
		if !ok {
			fail(fmt.Errorf("service %s not discovered", service))
			return
		}
		uuids, err := toBLEUUIDs(filter)
		if err != nil {
			fail(fmt.Errorf("invalid characteristic filter: %w", err))
			return
		}

		chars, err := l.client.DiscoverCharacteristics(uuids, svc)
		if err != nil {
			fail(NormalizeError(err))
			return
		}

		infos := make([]device.CharacteristicInfo, 0, len(chars))
		for _, ch := range chars {
			info := characteristicInfo(service, ch)
			l.chars.Set(charKey(service, info.UUID), ch)
			infos = append(infos, info)
		}

		c.logger.WithFields(logrus.Fields{
			"address":         id,
			"service":         service,
			"characteristics": len(infos),
		}).Debug("Characteristics discovered")
		c.emit(device.CharacteristicsDiscovered{ID: id, Service: service, Characteristics: infos})
	})
}

func (c *Central) lookup(id, service, char string) (*link, *ble.Characteristic, error) {
	l, ok := c.links.Get(id)
	if !ok {
		return nil, nil, device.ErrNotConnected
	}
	ch, ok := l.chars.Get(charKey(service, char))
	if !ok {
		return nil, nil, fmt.Errorf("characteristic %s not discovered in service %s", char, service)
	}
	return l, ch, nil
}

// Subscribe enables notifications (or indications when the characteristic
// only supports those). Every value is reported as a ValueUpdated event.
func (c *Central) Subscribe(id, service, char string) error {
	return c.submit(func() {
		char := device.NormalizeUUID(char)
		l, ch, err := c.lookup(id, service, char)
		if err != nil {
			c.emit(device.ValueUpdated{ID: id, Characteristic: char, Err: err})
			return
		}

		props := device.Property(ch.Property)
		indicate := props.Has(device.PropIndicate) && !props.Has(device.PropNotify)

		err = l.client.Subscribe(ch, indicate, func(data []byte) {
			if l.ctx.Err() != nil {
				return
			}
			c.emit(device.ValueUpdated{
				ID:             id,
				Characteristic: char,
				Data:           append([]byte(nil), data...),
				ReceivedAt:     time.Now(),
			})
		})
		if err != nil {
			c.emit(device.ValueUpdated{ID: id, Characteristic: char, Err: NormalizeError(err)})
			return
		}

		c.logger.WithFields(logrus.Fields{
			"address":  id,
			"char":     char,
			"indicate": indicate,
		}).Info("Subscribed to characteristic")
	})
}

// Read issues a single characteristic read, reported as a ValueUpdated event
func (c *Central) Read(id, service, char string) error {
	return c.submit(func() {
		char := device.NormalizeUUID(char)
		l, ch, err := c.lookup(id, service, char)
		if err != nil {
			c.emit(device.ValueUpdated{ID: id, Characteristic: char, Err: err})
			return
		}

		data, err := l.client.ReadCharacteristic(ch)
		if err != nil {
			c.emit(device.ValueUpdated{ID: id, Characteristic: char, Err: NormalizeError(err)})
			return
		}
		c.emit(device.ValueUpdated{
			ID:             id,
			Characteristic: char,
			Data:           append([]byte(nil), data...),
			ReceivedAt:     time.Now(),
		})
	})
}

// Close stops scanning, drops every connection and releases the radio handle.
// No events are delivered after Close returns.
func (c *Central) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.scanStop != nil {
			c.scanStop()
			c.scanStop = nil
		}
		host := c.host
		c.host = nil
		c.handler = nil
		c.pending = nil
		c.mu.Unlock()

		c.cancel()

		c.links.Range(func(id string, l *link) bool {
			if cerr := l.client.CancelConnection(); cerr != nil {
				c.logger.WithFields(logrus.Fields{
					"address": id,
					"error":   cerr,
				}).Warn("Failed to cancel connection during close")
			}
			l.cancel()
			c.links.Del(id)
			return true
		})

		if host != nil {
			err = host.Stop()
		}
		c.logger.Debug("Central closed")
	})
	return err
}
