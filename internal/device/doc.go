// Package device holds the radio-agnostic vocabulary shared by the BLE pipeline:
//
//   - radio states and the error taxonomy observers see as state
//   - advertisement, peripheral and characteristic descriptions
//   - raw characteristic payloads handed to the normalizer
//   - UUID normalization so every layer compares identifiers the same way
//
// Platform bindings live in sub-packages (see device/go-ble).
package device
