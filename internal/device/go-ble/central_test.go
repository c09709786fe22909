package goble_test

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/blesync/internal/device"
	goble "github.com/srg/blesync/internal/device/go-ble"
	"github.com/srg/blesync/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const peripheralAddr = "AA:BB:CC:DD:EE:01"

type CentralSuite struct {
	testutils.MockBLEPeripheralSuite
	events *testutils.EventRecorder
}

func TestCentralSuite(t *testing.T) {
	suite.Run(t, new(CentralSuite))
}

func (s *CentralSuite) SetupTest() {
	s.MockBLEPeripheralSuite.SetupTest()
	s.events = &testutils.EventRecorder{}
}

func (s *CentralSuite) waitFor(match func(device.Event) bool) device.Event {
	ev, ok := s.events.WaitFor(match, s.TestTimeout)
	s.Require().True(ok, "expected event was not delivered; got %v", s.events.Events())
	return ev
}

func (s *CentralSuite) connected(c *goble.Central) *testutils.FakeClient {
	s.Require().NoError(c.Connect(peripheralAddr))
	s.waitFor(testutils.OfType[device.PeripheralConnected]())
	client := s.Host.Client(peripheralAddr)
	s.Require().NotNil(client)
	return client
}

func (s *CentralSuite) TestInitReportsPoweredOn() {
	c := s.NewCentral()
	s.Require().NoError(c.Init(s.events.Handle))

	ev := s.waitFor(testutils.OfType[device.RadioStateChanged]())
	s.Equal(device.StatePoweredOn, ev.(device.RadioStateChanged).State)
	s.Equal(device.StatePoweredOn, c.State())
}

func (s *CentralSuite) TestInitReportsRadioProblemAsState() {
	failing := func() (goble.Host, error) {
		return nil, errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
	}
	c := goble.NewCentralWithHost(failing, time.Second, s.Logger)
	defer c.Close()

	s.Require().NoError(c.Init(s.events.Handle), "radio problems MUST be reported as state, not as an Init error")

	ev := s.waitFor(testutils.OfType[device.RadioStateChanged]())
	s.Equal(device.StatePoweredOff, ev.(device.RadioStateChanged).State)
	s.ErrorIs(c.Scan(nil), device.ErrPoweredOff)
}

func (s *CentralSuite) TestOperationsBeforeInitFail() {
	c := s.NewCentral()
	s.ErrorIs(c.Connect(peripheralAddr), device.ErrNotInitialized)
	s.ErrorIs(c.DiscoverServices(peripheralAddr, nil), device.ErrNotInitialized)
}

func (s *CentralSuite) TestScanReportsMatchingAdvertisers() {
	s.PeripheralBuilder.WithScanAdvertisements(
		testutils.CreateMockAdvertisement("Other", "AA:BB:CC:DD:EE:02", -70).WithServices("180D").Build(),
	)
	c := s.NewCentral()
	s.Require().NoError(c.Init(s.events.Handle))
	s.Require().NoError(c.Scan([]string{testutils.MetricsServiceUUID}))
	s.Require().NoError(c.Scan([]string{testutils.MetricsServiceUUID}), "second Scan MUST be a no-op")

	ev := s.waitFor(testutils.OfType[device.PeripheralDiscovered]())
	s.Equal(device.DiscoveredPeripheral{ID: peripheralAddr, Name: "Tracker", RSSI: -40}, ev.(device.PeripheralDiscovered).Peripheral)

	s.Require().NoError(c.StopScan())
	for _, ev := range s.events.Events() {
		if d, ok := ev.(device.PeripheralDiscovered); ok {
			s.NotEqual("AA:BB:CC:DD:EE:02", d.Peripheral.ID, "advertiser without a filtered service MUST be ignored")
		}
	}
	s.Equal(1, s.Host.Scans())
}

func (s *CentralSuite) TestConnectDiscoverSubscribeAndRead() {
	c := s.NewCentral()
	s.Require().NoError(c.Init(s.events.Handle))
	client := s.connected(c)

	s.Require().NoError(c.DiscoverServices(peripheralAddr, []string{testutils.MetricsServiceUUID, device.BatteryServiceUUID}))
	ev := s.waitFor(testutils.OfType[device.ServicesDiscovered]())
	services := ev.(device.ServicesDiscovered)
	s.NoError(services.Err)
	s.ElementsMatch([]string{device.NormalizeUUID(testutils.MetricsServiceUUID), device.BatteryServiceUUID}, services.Services)

	s.Require().NoError(c.DiscoverCharacteristics(peripheralAddr, testutils.MetricsServiceUUID, []string{testutils.MetricsCharUUID}))
	ev = s.waitFor(testutils.OfType[device.CharacteristicsDiscovered]())
	chars := ev.(device.CharacteristicsDiscovered)
	s.Require().NoError(chars.Err)
	s.Require().Len(chars.Characteristics, 1)
	s.Equal(device.NormalizeUUID(testutils.MetricsCharUUID), chars.Characteristics[0].UUID)
	s.True(chars.Characteristics[0].Properties.CanNotify())
	s.True(chars.Characteristics[0].Properties.Has(device.PropRead))

	s.Require().NoError(c.Subscribe(peripheralAddr, testutils.MetricsServiceUUID, testutils.MetricsCharUUID))
	s.Require().NoError(c.Read(peripheralAddr, testutils.MetricsServiceUUID, testutils.MetricsCharUUID))

	ev = s.waitFor(testutils.OfType[device.ValueUpdated]())
	read := ev.(device.ValueUpdated)
	s.NoError(read.Err)
	s.Equal([]byte("{}"), read.Data)
	s.Equal(device.NormalizeUUID(testutils.MetricsCharUUID), read.Characteristic)

	s.Require().Eventually(func() bool { return client.Subscribed(testutils.MetricsCharUUID) }, s.TestTimeout, 5*time.Millisecond)
	s.True(client.Notify(testutils.MetricsCharUUID, []byte(`{"hr":72}`)))

	s.waitFor(func(ev device.Event) bool {
		v, ok := ev.(device.ValueUpdated)
		return ok && string(v.Data) == `{"hr":72}`
	})
}

func (s *CentralSuite) TestDialFailureReportsConnectFailed() {
	s.PeripheralBuilder.WithDialError(errors.New("connection refused"))
	s.Host = s.PeripheralBuilder.Build()

	c := s.NewCentral()
	s.Require().NoError(c.Init(s.events.Handle))
	s.Require().NoError(c.Connect(peripheralAddr))

	ev := s.waitFor(testutils.OfType[device.ConnectFailed]())
	s.EqualError(ev.(device.ConnectFailed).Err, "connection refused")
}

func (s *CentralSuite) TestLinkLossReportsDisconnect() {
	c := s.NewCentral()
	s.Require().NoError(c.Init(s.events.Handle))
	client := s.connected(c)

	client.Drop()

	ev := s.waitFor(testutils.OfType[device.PeripheralDisconnected]())
	s.ErrorIs(ev.(device.PeripheralDisconnected).Err, device.ErrNotConnected)
}

func (s *CentralSuite) TestRequestedDisconnectCarriesNoError() {
	c := s.NewCentral()
	s.Require().NoError(c.Init(s.events.Handle))
	s.connected(c)

	s.Require().NoError(c.Disconnect(peripheralAddr))

	ev := s.waitFor(testutils.OfType[device.PeripheralDisconnected]())
	s.NoError(ev.(device.PeripheralDisconnected).Err)

	disconnects := 0
	time.Sleep(20 * time.Millisecond)
	for _, ev := range s.events.Events() {
		if _, ok := ev.(device.PeripheralDisconnected); ok {
			disconnects++
		}
	}
	s.Equal(1, disconnects, "disconnect MUST be reported exactly once")
}

func (s *CentralSuite) TestScanFailureReportsRadioState() {
	s.PeripheralBuilder.WithScanError(errors.New("bluetooth is turned off"))

	c := s.NewCentral()
	s.Require().NoError(c.Init(s.events.Handle))
	s.waitFor(testutils.OfType[device.RadioStateChanged]())
	s.Require().NoError(c.Scan(nil))

	ev := s.waitFor(func(ev device.Event) bool {
		st, ok := ev.(device.RadioStateChanged)
		return ok && st.State == device.StatePoweredOff
	})
	s.Equal(device.StatePoweredOff, ev.(device.RadioStateChanged).State)
	s.Equal(device.StatePoweredOn, c.State(), "State MUST re-create the radio handle once the radio is back")
}

func (s *CentralSuite) TestCustomProfileBatteryRead() {
	s.PeripheralBuilder = testutils.NewPeripheralDeviceBuilder().
		WithService("180F").
		WithCharacteristic("2A19", "read", []byte{64})
	s.Host = s.PeripheralBuilder.Build()

	c := s.NewCentral()
	s.Require().NoError(c.Init(s.events.Handle))
	client := s.connected(c)
	s.Equal([]string{peripheralAddr}, s.Host.Dialed())

	s.Require().NoError(c.DiscoverServices(peripheralAddr, nil))
	s.waitFor(testutils.OfType[device.ServicesDiscovered]())
	s.Require().NoError(c.DiscoverCharacteristics(peripheralAddr, device.BatteryServiceUUID, nil))
	s.waitFor(testutils.OfType[device.CharacteristicsDiscovered]())
	s.Require().NoError(c.Read(peripheralAddr, device.BatteryServiceUUID, device.BatteryLevelUUID))

	ev := s.waitFor(testutils.OfType[device.ValueUpdated]())
	s.Equal([]byte{64}, ev.(device.ValueUpdated).Data)
	s.Equal([]string{device.BatteryLevelUUID}, client.Reads())
}

func (s *CentralSuite) TestCloseStopsHost() {
	c := s.NewCentral()
	s.Require().NoError(c.Init(s.events.Handle))
	s.connected(c)

	s.Require().NoError(c.Close())
	s.True(s.Host.Stopped())
	s.Error(c.Connect(peripheralAddr))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want error
	}{
		{"darwin powered off", "central manager has invalid state: have=4 want=5: is Bluetooth turned on?", device.ErrPoweredOff},
		{"darwin unauthorized", "central manager has invalid state: have=3 want=5", device.ErrUnauthorized},
		{"darwin unsupported", "central manager has invalid state: have=2 want=5", device.ErrUnsupported},
		{"linux no adapter", "can't init hci: no devices available", device.ErrUnsupported},
		{"linux permission", "can't init hci: operation not permitted", device.ErrUnauthorized},
		{"not connected", "device not connected", device.ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := goble.NormalizeError(errors.New(tt.msg))
			if !errors.Is(err, tt.want) {
				t.Fatalf("NormalizeError(%q) = %v, MUST match %v", tt.msg, err, tt.want)
			}
		})
	}

	if goble.NormalizeError(nil) != nil {
		t.Fatal("NormalizeError(nil) MUST be nil")
	}
}
