package ble

import "testing"

func TestTinygoTypesImplementInterfaces(t *testing.T) {
	var _ Adapter = (*TinygoAdapter)(nil)
	var _ Connection = (*tinygoConnection)(nil)
	var _ Characteristic = (*tinygoCharacteristic)(nil)
}
