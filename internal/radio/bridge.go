package radio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/staffetta/internal/monitoring"
	"github.com/banshee-data/staffetta/internal/serialmux"
)

// Bridge command bytes understood by the transceiver board firmware.
const (
	cmdPowerOn   = 'O'
	cmdPowerOff  = 'F'
	cmdFlushRx   = 'r'
	cmdFlushTx   = 't'
	cmdCarrier   = 'c'
	cmdReadByte  = 'b'
	cmdWriteFIFO = 'w'
	cmdTransmit  = 'x'
	cmdStatus    = 's'
)

// DefaultBridgeTimeout bounds every reply from the board.
const DefaultBridgeTimeout = 20 * time.Millisecond

// Bridge drives a transceiver attached to a board that exposes its strobes
// and FIFO over a serial line, one command byte per register access.
//
// Methods of the Driver contract that cannot return an error log failures
// and record the first one, available from Err.
type Bridge struct {
	mu   sync.Mutex
	port serialmux.SerialPorter
	err  error
}

// NewBridge wraps an already opened port. If the port supports read
// timeouts it is set to DefaultBridgeTimeout.
func NewBridge(port serialmux.SerialPorter) (*Bridge, error) {
	if tp, ok := port.(serialmux.TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(DefaultBridgeTimeout); err != nil {
			return nil, fmt.Errorf("set bridge read timeout: %w", err)
		}
	}
	return &Bridge{port: port}, nil
}

// OpenBridge opens the serial device at path and returns a Bridge on it.
func OpenBridge(path string, opts serialmux.PortOptions) (*Bridge, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open radio bridge %s: %w", path, err)
	}
	if err := port.SetReadTimeout(DefaultBridgeTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set bridge read timeout: %w", err)
	}
	return &Bridge{port: port}, nil
}

// Close closes the underlying port.
func (b *Bridge) Close() error {
	return b.port.Close()
}

// Err returns the first error swallowed by a void Driver method.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Bridge) PowerOn() error  { return b.send(cmdPowerOn) }
func (b *Bridge) PowerOff() error { return b.send(cmdPowerOff) }

func (b *Bridge) FlushRx() { b.record(b.send(cmdFlushRx)) }
func (b *Bridge) FlushTx() { b.record(b.send(cmdFlushTx)) }

func (b *Bridge) CarrierDetected() bool {
	v, err := b.query(cmdCarrier)
	if err != nil {
		b.record(err)
		return false
	}
	return v != 0
}

func (b *Bridge) ReadByte() (byte, error) {
	return b.query(cmdReadByte)
}

func (b *Bridge) WriteFrame(p []byte) error {
	if len(p) > 0xff {
		return fmt.Errorf("radio: frame of %d bytes does not fit the tx fifo", len(p))
	}
	buf := make([]byte, 0, len(p)+2)
	buf = append(buf, cmdWriteFIFO, byte(len(p)))
	buf = append(buf, p...)

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(buf)
}

func (b *Bridge) StartTransmit() error { return b.send(cmdTransmit) }

func (b *Bridge) TransmitActive() bool {
	return b.Status()&StatusTxActive != 0
}

func (b *Bridge) Status() byte {
	v, err := b.query(cmdStatus)
	if err != nil {
		b.record(err)
		return 0
	}
	return v
}

func (b *Bridge) send(cmd byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write([]byte{cmd})
}

func (b *Bridge) query(cmd byte) (byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write([]byte{cmd}); err != nil {
		return 0, err
	}
	var reply [1]byte
	n, err := b.port.Read(reply[:])
	if err != nil {
		return 0, fmt.Errorf("radio bridge read %q: %w", cmd, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("radio bridge read %q: %w", cmd, ErrTimeout)
	}
	return reply[0], nil
}

func (b *Bridge) write(p []byte) error {
	n, err := b.port.Write(p)
	if err != nil {
		return fmt.Errorf("radio bridge write: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("radio bridge write: %w", serialmux.ErrWriteFailed)
	}
	return nil
}

func (b *Bridge) record(err error) {
	if err == nil {
		return
	}
	monitoring.Logf("radio bridge: %v", err)
	b.mu.Lock()
	if b.err == nil && !errors.Is(err, ErrTimeout) {
		b.err = err
	}
	b.mu.Unlock()
}
