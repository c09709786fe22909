package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	goble "github.com/srg/blesync/internal/device/go-ble"
	"github.com/stretchr/testify/suite"
)

// MetricsServiceUUID and MetricsCharUUID identify the telemetry service exposed
// by the default mock peripheral.
const (
	MetricsServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	MetricsCharUUID    = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// MockBLEPeripheralSuite provides a reusable test suite with a fake radio.
//
// Basic usage (default telemetry and battery services):
//
//	type CentralSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func TestCentralSuite(t *testing.T) {
//	    suite.Run(t, new(CentralSuite))
//	}
//
// Custom device profile usage:
//
//	func (s *CentralSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	// PeripheralBuilder configures the profile of every dialed peripheral
	PeripheralBuilder *PeripheralDeviceBuilder

	// Host is rebuilt from PeripheralBuilder before each test
	Host *FakeHost
}

// SetupSuite initializes the shared helpers. Called once before all tests in the suite.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
	s.Logger.Debug("Suite setup completed")
}

// SetupTest builds the fake host. Called before each test method.
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = createDefaultPeripheralBuilder()
	}
	s.Host = s.PeripheralBuilder.Build()
	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest resets the peripheral builder after each test.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	s.PeripheralBuilder = nil
	s.Host = nil
}

// WithPeripheral returns the peripheral builder for fluent configuration.
// Use this method to configure custom device profiles in the test setup.
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}

// NewCentral creates a goble.Central driving the fake host
func (s *MockBLEPeripheralSuite) NewCentral() *goble.Central {
	c := goble.NewCentralWithHost(s.Host.Factory(), time.Second, s.Logger)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

// createDefaultPeripheralBuilder creates a peripheral with a telemetry service
// (notify+read metrics characteristic) and Battery Service (180F) with
// Battery Level (2A19) set to 50%.
func createDefaultPeripheralBuilder() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().
		FromJSON(`
		{
			"services": [
				{
					"uuid": "%s",
					"characteristics": [
						{ "uuid": "%s", "properties": "read,notify", "value": [123, 125] }
					]
				},
				{
					"uuid": "180F",
					"characteristics": [
						{ "uuid": "2A19", "properties": "read", "value": [50] }
					]
				}
			]
		}`, MetricsServiceUUID, MetricsCharUUID).
		WithScanAdvertisements(
			CreateMockAdvertisement("Tracker", "AA:BB:CC:DD:EE:01", -40).WithServices(MetricsServiceUUID).Build(),
		)
}
