// Package radio defines the transceiver contract the protocol engine drives
// and provides two implementations: a bridge to a transceiver board on a
// serial line and an in-process simulated medium.
package radio

import "errors"

// Status register bits reported by Driver.Status.
const (
	StatusTxActive    byte = 0x08
	StatusXOSCStable  byte = 0x40
	StatusRSSIValid   byte = 0x02
	StatusTxUnderflow byte = 0x20
)

var (
	// ErrTimeout is returned when the transceiver did not answer in time.
	ErrTimeout = errors.New("radio: timeout")
	// ErrPoweredOff is returned for FIFO access while the radio is off.
	ErrPoweredOff = errors.New("radio: powered off")
	// ErrFIFOEmpty is returned by ReadByte when no byte is waiting.
	ErrFIFOEmpty = errors.New("radio: rx fifo empty")
)

// Driver is the minimal transceiver surface used by the protocol engine.
// No call blocks for longer than a single register access; waiting is the
// caller's job and is always bounded by a deadline.
type Driver interface {
	PowerOn() error
	PowerOff() error
	FlushRx()
	FlushTx()
	// CarrierDetected reports that at least one received byte is waiting
	// in the RX FIFO.
	CarrierDetected() bool
	ReadByte() (byte, error)
	// WriteFrame loads a transmit image into the TX FIFO.
	WriteFrame(b []byte) error
	StartTransmit() error
	TransmitActive() bool
	Status() byte
}
