// Package codec implements the BM6/BM7 battery monitor wire format: AES
// encrypted 16 byte frames carrying temperature, voltage and the device's own
// charge estimate. Decoding is pure, the same bytes always produce the same
// frame, so captured payloads can be replayed in tests.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/sigurn/crc8"
)

const (
	// FrameLength is the fixed length of every encrypted notification and
	// of every command written to the device.
	FrameLength = 16

	frameMagic0 = 0xD1
	frameMagic1 = 0x55

	frameTypeRealtime = 0x07
	frameTypeVersion  = 0x01

	// PercentUnknown marks a device-reported percentage that could not be
	// read from the frame.
	PercentUnknown = -1
)

var (
	ErrLengthMismatch   = errors.New("frame length mismatch")
	ErrChecksumInvalid  = errors.New("frame checksum invalid")
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// crcTable is CRC-8/MAXIM, the checksum the monitor appends to every
// decrypted frame.
var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31,
	Init:   0x00,
	RefIn:  true,
	RefOut: true,
	XorOut: 0x00,
})

// Model identifies the monitor hardware family. The two families share the
// GATT layout but are keyed separately so a future firmware revision can
// rotate one without the other.
type Model string

const (
	ModelBM6 Model = "BM6" // also sold as BM200
	ModelBM7 Model = "BM7" // also sold as BM300 Pro
)

// Key material from the published reverse engineering of the Leagend
// protocol ("leagend\xff\xfe010000@").
var deviceKeys = map[Model][]byte{
	ModelBM6: {108, 101, 97, 103, 101, 110, 100, 255, 254, 48, 49, 48, 48, 48, 48, 64},
	ModelBM7: {108, 101, 97, 103, 101, 110, 100, 255, 254, 48, 49, 48, 48, 48, 48, 64},
}

// KeyFor returns the AES key for the given model.
func KeyFor(model Model) ([]byte, error) {
	key, ok := deviceKeys[model]
	if !ok {
		return nil, fmt.Errorf("no key material for model %q", model)
	}
	return key, nil
}

// DeviceState is the battery status the monitor itself reports inside a
// realtime frame. Only three values are ever sent by hardware; anything else
// decodes as DeviceStateUnknown.
type DeviceState uint8

const (
	DeviceStateOk DeviceState = iota
	DeviceStateLowVoltage
	DeviceStateCharging
	DeviceStateUnknown
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateOk:
		return "ok"
	case DeviceStateLowVoltage:
		return "lowVoltage"
	case DeviceStateCharging:
		return "charging"
	default:
		return "unknown"
	}
}

// TelemetryFrame is one decoded realtime payload.
type TelemetryFrame struct {
	TemperatureRaw    int         // °C, sign already applied
	VoltageRaw        uint16      // centivolts
	DevicePercent     int         // 0-100, or PercentUnknown
	DeviceState       DeviceState
	RapidAcceleration uint16
	RapidDeceleration uint16
}

// Voltage returns the measured battery voltage in volts.
func (f *TelemetryFrame) Voltage() float64 {
	return float64(f.VoltageRaw) / 100
}

// Temperature returns the measured temperature in °C.
func (f *TelemetryFrame) Temperature() float64 {
	return float64(f.TemperatureRaw)
}

// VersionFrame is a decoded firmware version payload.
type VersionFrame struct {
	Version string
}

// Decode decrypts and parses one realtime notification. The frame either
// decodes fully or an error is returned, never a partial frame.
func Decode(raw, key []byte) (*TelemetryFrame, error) {
	data, err := decodeFrame(raw, key)
	if err != nil {
		return nil, err
	}
	if data[2] != frameTypeRealtime {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownFrameType, data[2])
	}

	temperature := int(data[4])
	if data[3] == 0x01 {
		temperature = -temperature
	}

	state := DeviceState(data[5])
	if state > DeviceStateCharging {
		state = DeviceStateUnknown
	}

	percent := int(data[6])
	if percent > 100 {
		percent = PercentUnknown
	}

	return &TelemetryFrame{
		TemperatureRaw:    temperature,
		VoltageRaw:        uint16(data[7])<<8 | uint16(data[8]),
		DevicePercent:     percent,
		DeviceState:       state,
		RapidAcceleration: uint16(data[9])<<8 | uint16(data[10]),
		RapidDeceleration: uint16(data[11])<<8 | uint16(data[12]),
	}, nil
}

// DecodeVersion decrypts and parses a firmware version notification.
func DecodeVersion(raw, key []byte) (*VersionFrame, error) {
	data, err := decodeFrame(raw, key)
	if err != nil {
		return nil, err
	}
	if data[2] != frameTypeVersion {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownFrameType, data[2])
	}
	return &VersionFrame{Version: fmt.Sprintf("%d.%d.%d", data[3], data[4], data[5])}, nil
}

// decodeFrame decrypts raw and validates length, magic and checksum.
func decodeFrame(raw, key []byte) ([]byte, error) {
	if len(raw) != FrameLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrLengthMismatch, FrameLength, len(raw))
	}
	data, err := decrypt(raw, key)
	if err != nil {
		return nil, err
	}
	if crc8.Checksum(data[:FrameLength-1], crcTable) != data[FrameLength-1] {
		return nil, ErrChecksumInvalid
	}
	if data[0] != frameMagic0 || data[1] != frameMagic1 {
		return nil, fmt.Errorf("%w: bad magic 0x%02X%02X", ErrUnknownFrameType, data[0], data[1])
	}
	return data, nil
}

func decrypt(raw, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad key material: %w", err)
	}
	data := make([]byte, len(raw))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, raw)
	return data, nil
}

// Encrypt seals a plaintext frame with the device key. Used for the command
// payloads the device expects on its write characteristic, and by tests to
// build notification fixtures.
func Encrypt(plain, key []byte) ([]byte, error) {
	if len(plain) != FrameLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrLengthMismatch, FrameLength, len(plain))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad key material: %w", err)
	}
	out := make([]byte, len(plain))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)
	return out, nil
}

// Seal appends the frame checksum to the first 15 bytes of plain and
// encrypts the result.
func Seal(plain, key []byte) ([]byte, error) {
	if len(plain) != FrameLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrLengthMismatch, FrameLength, len(plain))
	}
	sealed := make([]byte, FrameLength)
	copy(sealed, plain)
	sealed[FrameLength-1] = crc8.Checksum(sealed[:FrameLength-1], crcTable)
	return Encrypt(sealed, key)
}

// Command plaintexts written to the device to request a notification.
var (
	CmdRealtime = []byte{frameMagic0, frameMagic1, frameTypeRealtime, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	CmdVersion  = []byte{frameMagic0, frameMagic1, frameTypeVersion, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
)

// EncryptCommand builds the encrypted on-wire form of cmd for the given key.
func EncryptCommand(cmd, key []byte) ([]byte, error) {
	return Encrypt(cmd, key)
}
