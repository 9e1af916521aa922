//go:build linux

package ble

import "tinygo.org/x/bluetooth"

func platformAdapter(id string) *bluetooth.Adapter {
	if id == "" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(id)
}

// writeCharacteristic blocks until BlueZ finishes the WriteValue call. With
// no "type" option BlueZ issues a write request when the characteristic
// supports it, so the call returns after the peripheral acknowledged.
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
