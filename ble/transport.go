// Package ble manages the connection lifecycle to one battery monitor. The
// peripheral accepts a single concurrent connection and silently drops or
// ignores anything more, so every poll is a short connect, request, read one
// notification, disconnect cycle with exponential backoff between failures.
package ble

import (
	"context"
	"errors"
)

var (
	ErrConnectTimeout = errors.New("connect timed out")
	ErrReadTimeout    = errors.New("read timed out")
	ErrDisconnected   = errors.New("device disconnected")
	ErrDeviceBusy     = errors.New("device busy or not advertising")
)

// Conn is one established connection to the monitor.
type Conn interface {
	// Write sends an encrypted command frame to the device's write
	// characteristic.
	Write(ctx context.Context, payload []byte) error
	// ReadNotify blocks until one notification frame arrives or ctx ends.
	ReadNotify(ctx context.Context) ([]byte, error)
	// RSSI is the signal strength observed when the device was found.
	RSSI() int16
	// Scanner identifies the adapter that reached the device.
	Scanner() string
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Transport provides connections to BLE peripherals. The production
// implementation is BluetoothTransport; tests substitute their own.
type Transport interface {
	Connect(ctx context.Context, address string) (Conn, error)
}
