//go:build darwin || windows

package ble

func (c *tinygoCharacteristic) write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
