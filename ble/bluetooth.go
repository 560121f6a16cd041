package ble

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// GATT layout shared by the BM6/BM7 family.
var (
	serviceUUID    = bluetooth.New16BitUUID(0xFFF0)
	writeCharUUID  = bluetooth.New16BitUUID(0xFFF3)
	notifyCharUUID = bluetooth.New16BitUUID(0xFFF4)
)

// BluetoothTransport is the production Transport, backed by the platform
// adapter via tinygo.org/x/bluetooth.
type BluetoothTransport struct {
	adapter *bluetooth.Adapter
	scanner string

	// The adapter can only run one scan at a time; serialize Connect calls
	// across devices.
	mu sync.Mutex
}

// NewBluetoothTransport enables the default platform adapter.
func NewBluetoothTransport() (*BluetoothTransport, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable BLE adapter: %w", err)
	}
	scanner, err := os.Hostname()
	if err != nil {
		scanner = "local adapter"
	}
	return &BluetoothTransport{adapter: adapter, scanner: scanner}, nil
}

// Connect scans for the device, connects, and prepares the write and notify
// characteristics. The monitor stops advertising while another client holds
// its only connection slot, so a device that never shows up during the scan
// is reported busy rather than missing.
func (t *BluetoothTransport) Connect(ctx context.Context, address string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	result, err := t.scanFor(ctx, address)
	if err != nil {
		return nil, err
	}

	device, err := t.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	conn := &bluetoothConn{
		device:  device,
		rssi:    result.RSSI,
		scanner: t.scanner,
		notify:  make(chan []byte, 4),
	}
	if err := conn.discover(); err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return conn, nil
}

func (t *BluetoothTransport) scanFor(ctx context.Context, address string) (*bluetooth.ScanResult, error) {
	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if strings.EqualFold(result.Address.String(), address) {
				select {
				case found <- result:
				default:
				}
				adapter.StopScan()
			}
		})
	}()

	select {
	case result := <-found:
		<-scanErr
		return &result, nil
	case err := <-scanErr:
		if err != nil {
			return nil, fmt.Errorf("scan for %s: %w", address, err)
		}
		// Scan ended without finding the device.
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, address)
	case <-ctx.Done():
		t.adapter.StopScan()
		<-scanErr
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s not seen while scanning", ErrDeviceBusy, address)
		}
		return nil, ctx.Err()
	}
}

type bluetoothConn struct {
	device  bluetooth.Device
	write   bluetooth.DeviceCharacteristic
	rssi    int16
	scanner string
	notify  chan []byte

	closeOnce sync.Once
	closeErr  error
}

func (c *bluetoothConn) discover() error {
	services, err := c.device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return fmt.Errorf("discover service: %v", err)
	}
	if len(services) == 0 {
		return fmt.Errorf("service %s not found", serviceUUID.String())
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{writeCharUUID, notifyCharUUID})
	if err != nil {
		return fmt.Errorf("discover characteristics: %v", err)
	}
	var haveWrite, haveNotify bool
	for _, char := range chars {
		switch char.UUID() {
		case writeCharUUID:
			c.write = char
			haveWrite = true
		case notifyCharUUID:
			notifyChar := char
			err := notifyChar.EnableNotifications(func(buf []byte) {
				frame := make([]byte, len(buf))
				copy(frame, buf)
				select {
				case c.notify <- frame:
				default:
					// Reader is behind, drop the frame.
				}
			})
			if err != nil {
				return fmt.Errorf("enable notifications: %v", err)
			}
			haveNotify = true
		}
	}
	if !haveWrite || !haveNotify {
		return fmt.Errorf("missing characteristics (write=%t notify=%t)", haveWrite, haveNotify)
	}
	return nil
}

func (c *bluetoothConn) Write(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.write.WriteWithoutResponse(payload); err != nil {
		return fmt.Errorf("write characteristic: %w", err)
	}
	return nil
}

func (c *bluetoothConn) ReadNotify(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.notify:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *bluetoothConn) RSSI() int16 { return c.rssi }

func (c *bluetoothConn) Scanner() string { return c.scanner }

func (c *bluetoothConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.device.Disconnect()
	})
	return c.closeErr
}
