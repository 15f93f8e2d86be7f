// Package transport owns the Modbus TCP session to the heat-pump gateway.
// All register I/O funnels through one client so only a single transaction is
// ever in flight on the wire.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/mwinther/hpgate/regmap"
)

// MaxRegistersPerRead is the protocol limit for one read request.
const MaxRegistersPerRead = 125

// DefaultTimeout bounds every request/response exchange.
const DefaultTimeout = 5 * time.Second

var (
	// ErrTimeout reports a request that exceeded the configured timeout.
	ErrTimeout = errors.New("transport timeout")
	// ErrConnectionLost reports a broken TCP session to the gateway.
	ErrConnectionLost = errors.New("connection lost")
	// ErrProtocol reports a malformed response or a Modbus exception code.
	ErrProtocol = errors.New("protocol error")
)

// State tracks the lifecycle of the gateway session. It is owned exclusively
// by the Client; pollers and command dispatchers only observe it.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Config describes the gateway endpoint.
type Config struct {
	Address string
	UnitID  uint8
	Timeout time.Duration
}

// Regs is the register-level session the client drives. The production
// implementation wraps goburrow/modbus; tests substitute fakes.
type Regs interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	Close() error
}

// Dialer opens a fresh session to the gateway.
type Dialer func(Config) (Regs, error)

// Option adjusts client construction.
type Option func(*Client)

// WithDialer overrides the TCP dialer, used by tests.
func WithDialer(dial Dialer) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// Client serializes all Modbus I/O towards one gateway. The mutex is held for
// exactly one request/response exchange, bounded by the configured timeout.
type Client struct {
	cfg    Config
	dial   Dialer
	logger zerolog.Logger

	mu    sync.Mutex
	regs  Regs
	state atomic.Int32
}

// NewClient builds a client for the configured gateway. No connection is
// opened until Connect or the first I/O call.
func NewClient(cfg Config, logger zerolog.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		cfg:    cfg,
		dial:   dialTCP,
		logger: logger.With().Str("component", "transport").Str("gateway", cfg.Address).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func dialTCP(cfg Config) (Regs, error) {
	if cfg.Address == "" {
		return nil, errors.New("gateway address is required")
	}
	handler := modbus.NewTCPClientHandler(cfg.Address)
	handler.SlaveId = cfg.UnitID
	handler.Timeout = cfg.Timeout
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("connect gateway %s: %w", cfg.Address, err)
	}
	return &tcpRegs{handler: handler, client: modbus.NewClient(handler)}, nil
}

type tcpRegs struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func (t *tcpRegs) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadHoldingRegisters(address, quantity)
}

func (t *tcpRegs) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return t.client.ReadInputRegisters(address, quantity)
}

func (t *tcpRegs) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return t.client.WriteSingleRegister(address, value)
}

func (t *tcpRegs) Close() error {
	return t.handler.Close()
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Connect establishes the session. Idempotent if already connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ensureLocked()
	return err
}

// ensureLocked opens the session when none exists. A faulted client gets
// exactly one reconnect attempt per call; it never loops, so a dead gateway
// costs at most one dial per poll cycle.
func (c *Client) ensureLocked() (Regs, error) {
	if c.regs != nil {
		return c.regs, nil
	}
	c.state.Store(int32(Connecting))
	regs, err := c.dial(c.cfg)
	if err != nil {
		c.state.Store(int32(Faulted))
		c.logger.Error().Err(err).Msg("gateway connection failed")
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	c.regs = regs
	c.state.Store(int32(Connected))
	c.logger.Debug().Msg("gateway connected")
	return regs, nil
}

// ReadRegisters reads a contiguous block of registers of one kind and decodes
// the payload into 16-bit words.
func (c *Client) ReadRegisters(kind regmap.RegisterKind, start, count uint16) ([]uint16, error) {
	if count == 0 || count > MaxRegistersPerRead {
		return nil, fmt.Errorf("%w: register count %d outside 1..%d", ErrProtocol, count, MaxRegistersPerRead)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	regs, err := c.ensureLocked()
	if err != nil {
		return nil, err
	}
	var payload []byte
	switch kind {
	case regmap.HoldingRegister:
		payload, err = regs.ReadHoldingRegisters(start, count)
	case regmap.InputRegister:
		payload, err = regs.ReadInputRegisters(start, count)
	default:
		return nil, fmt.Errorf("%w: unsupported register kind %q", ErrProtocol, kind)
	}
	if err != nil {
		return nil, c.failLocked("read", start, err)
	}
	if len(payload) != int(count)*2 {
		return nil, fmt.Errorf("%w: expected %d payload bytes, got %d", ErrProtocol, int(count)*2, len(payload))
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(payload[i*2:])
	}
	return words, nil
}

// WriteRegister writes one holding register (function code 0x06).
func (c *Client) WriteRegister(address, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	regs, err := c.ensureLocked()
	if err != nil {
		return err
	}
	if _, err := regs.WriteSingleRegister(address, value); err != nil {
		return c.failLocked("write", address, err)
	}
	return nil
}

// failLocked classifies an I/O error and drops the session for connection
// level failures so the next call performs the single reconnect attempt.
func (c *Client) failLocked(op string, address uint16, err error) error {
	classified := classify(err)
	if errors.Is(classified, ErrConnectionLost) || errors.Is(classified, ErrTimeout) {
		c.closeLocked()
		c.state.Store(int32(Faulted))
	}
	c.logger.Warn().Err(err).Str("op", op).Uint16("address", address).Str("state", c.State().String()).Msg("gateway request failed")
	return fmt.Errorf("%s register %d: %w", op, address, classified)
}

func classify(err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: %v", ErrProtocol, mbErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

func (c *Client) closeLocked() {
	if c.regs == nil {
		return
	}
	_ = c.regs.Close()
	c.regs = nil
}

// Close terminates the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.state.Store(int32(Disconnected))
	return nil
}
