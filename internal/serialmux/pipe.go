package serialmux

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// LinePort is a SerialPorter fed in-process, used when console lines come
// from simulated nodes or a recorded fixture rather than a device. Commands
// written to it are kept for inspection.
type LinePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu   sync.Mutex
	sent bytes.Buffer
}

// NewLinePort returns an open LinePort.
func NewLinePort() *LinePort {
	r, w := io.Pipe()
	return &LinePort{r: r, w: w}
}

// Feed returns the writer whose output Read returns. Closing it makes the
// reader see EOF.
func (p *LinePort) Feed() io.WriteCloser {
	return p.w
}

func (p *LinePort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// Write records a command; there is no device to receive it.
func (p *LinePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent.Write(b)
}

// Sent returns every command written so far.
func (p *LinePort) Sent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent.String()
}

func (p *LinePort) Close() error {
	p.w.Close()
	return p.r.Close()
}

// NewReplayPort returns a port that plays back the lines of r, one every
// interval, then reports EOF. Playback stops early when ctx is cancelled.
func NewReplayPort(ctx context.Context, r io.Reader, interval time.Duration) *LinePort {
	p := NewLinePort()
	go func() {
		scan := bufio.NewScanner(r)
		for scan.Scan() {
			if _, err := io.WriteString(p.w, scan.Text()+"\n"); err != nil {
				return
			}
			if interval <= 0 {
				continue
			}
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				p.w.CloseWithError(ctx.Err())
				return
			case <-t.C:
			}
		}
		p.w.CloseWithError(scan.Err())
	}()
	return p
}
