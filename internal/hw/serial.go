package hw

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	serial "go.bug.st/serial"
)

const serialReplyTimeout = 100 * time.Millisecond

// SerialFrontEnd talks to the analog co-processor over a newline-delimited
// text protocol:
//
//	-> PWM 0.5333        <- OK
//	-> ADC CREST         <- ADC 612 608 611 ...
//	                     <- CT 2048 2051 ... (unsolicited, BlockLen codes)
//	                     <- ERR <reason>
type SerialFrontEnd struct {
	port io.ReadWriteCloser

	mu      sync.Mutex // serialises requests
	replies chan string
	blocks  chan []uint16
	done    chan struct{}

	blockLen int
}

// OpenSerial opens device at baud and starts the reader goroutine.
func OpenSerial(device string, baud, blockLen int) (*SerialFrontEnd, error) {
	p, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	return NewSerialFrontEnd(p, blockLen), nil
}

// NewSerialFrontEnd wraps an already open port.
func NewSerialFrontEnd(port io.ReadWriteCloser, blockLen int) *SerialFrontEnd {
	s := &SerialFrontEnd{
		port:     port,
		replies:  make(chan string, 1),
		blocks:   make(chan []uint16, 4),
		done:     make(chan struct{}),
		blockLen: blockLen,
	}
	go s.readLoop()
	return s
}

func (s *SerialFrontEnd) readLoop() {
	defer close(s.done)
	defer close(s.blocks)

	sc := bufio.NewScanner(s.port)
	sc.Buffer(make([]byte, 0, 8*1024), 64*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "CT ") {
			b, err := parseCodes(line[3:])
			if err != nil || len(b) != s.blockLen {
				log.Printf("hw: dropping CT block (%d codes): %v", len(b), err)
				continue
			}
			select {
			case s.blocks <- b:
			default:
				log.Printf("hw: CT consumer behind, dropping block")
			}
			continue
		}
		// keep only the latest reply; a stale one belongs to a timed-out request
		for {
			select {
			case s.replies <- line:
			default:
				select {
				case <-s.replies:
				default:
				}
				continue
			}
			break
		}
	}
	if err := sc.Err(); err != nil {
		log.Printf("hw: serial read: %v", err)
	}
}

func parseCodes(fields string) ([]uint16, error) {
	parts := strings.Fields(fields)
	out := make([]uint16, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parse code %q: %w", p, err)
		}
		out[i] = uint16(v)
	}
	return out, nil
}

// request sends one command and waits for the reply line.
func (s *SerialFrontEnd) request(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.replies:
	default:
	}

	if _, err := s.port.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}
	select {
	case r := <-s.replies:
		if strings.HasPrefix(r, "ERR") {
			return "", fmt.Errorf("front end rejected %q: %s", cmd, strings.TrimSpace(strings.TrimPrefix(r, "ERR")))
		}
		return r, nil
	case <-s.done:
		return "", errors.New("serial port closed")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SetDutyCycle programs the pilot PWM generator.
func (s *SerialFrontEnd) SetDutyCycle(duty float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), serialReplyTimeout)
	defer cancel()
	r, err := s.request(ctx, fmt.Sprintf("PWM %.4f", duty))
	if err != nil {
		return err
	}
	if r != "OK" {
		return fmt.Errorf("unexpected PWM reply %q", r)
	}
	return nil
}

// Sample triggers a pilot measurement in the given mode.
func (s *SerialFrontEnd) Sample(ctx context.Context, mode MeasureMode) ([]uint16, error) {
	r, err := s.request(ctx, "ADC "+mode.String())
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(r, "ADC") {
		return nil, fmt.Errorf("unexpected ADC reply %q", r)
	}
	codes, err := parseCodes(strings.TrimPrefix(r, "ADC"))
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, errors.New("empty ADC reply")
	}
	return codes, nil
}

// Blocks returns the CT block stream. It is closed when the port closes.
func (s *SerialFrontEnd) Blocks() <-chan []uint16 {
	return s.blocks
}

// Close closes the port and waits for the reader to exit.
func (s *SerialFrontEnd) Close() error {
	err := s.port.Close()
	<-s.done
	return err
}
