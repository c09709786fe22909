package device

import (
	"fmt"
)

// BatteryLevel is a decoded Battery Level (0x2A19) value in percent
type BatteryLevel int

// CharacteristicParser is a function that parses a characteristic value
type CharacteristicParser func([]byte) (interface{}, error)

// parseBatteryLevel parses the Battery Level characteristic (0x2A19) value.
// The first byte carries the level; trailing bytes are ignored.
func parseBatteryLevel(value []byte) (interface{}, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("battery level value is empty")
	}
	if value[0] > 100 {
		return nil, fmt.Errorf("battery level %d out of range 0-100", value[0])
	}
	return BatteryLevel(value[0]), nil
}

// characteristicParsers maps normalized characteristic UUIDs to their parser functions
var characteristicParsers = map[string]CharacteristicParser{
	BatteryLevelUUID: parseBatteryLevel,
}

// ParseCharacteristicValue decodes a well-known characteristic value.
// Returns (nil, nil) for characteristics without a parser.
func ParseCharacteristicValue(uuid string, value []byte) (interface{}, error) {
	parser, exists := characteristicParsers[NormalizeUUID(uuid)]
	if !exists {
		return nil, nil
	}
	return parser(value)
}
