package grbl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mastercactapus/grblctl/link"
)

// DefaultBufferSize is the stock firmware's serial receive buffer, in
// bytes. Flow accounting must never let the in-flight total reach it.
const DefaultBufferSize = 128

// DefaultBaudRate is Grbl's serial speed (8-N-1).
const DefaultBaudRate = 115200

const (
	defaultWarmup             = time.Second
	defaultResetQuiescence    = time.Second
	defaultSettingsQuiescence = 3 * time.Second
	defaultAckQuiescence      = 100 * time.Millisecond
)

var (
	// ErrGrblReset will be returned from streaming if the device resets
	// before all lines are acknowledged.
	ErrGrblReset = errors.New("grbl reset")

	// ErrSessionFaulted means initialization failed; build a new session.
	ErrSessionFaulted = errors.New("session faulted")

	// ErrNotReady means the session has not finished (or started)
	// initialization.
	ErrNotReady = errors.New("session not ready")

	// ErrUnknownCommand flags a command outside the known enumerations
	// before any machine I/O happens.
	ErrUnknownCommand = errors.New("unknown command")

	ErrNoResetAck          = errors.New("no response to soft reset")
	ErrAlarmClearFailed    = errors.New("kill alarm produced no response")
	ErrSettingsQueryFailed = errors.New("settings query failed")
)

// Config is the finished configuration record for one session, built once
// by the caller and never mutated here.
type Config struct {
	// Address is the serial device path or name.
	Address string
	// BaudRate defaults to 115200.
	BaudRate int

	// Warmup is how long to wait after the wake bytes before talking;
	// the controller reboots when the port opens.
	Warmup time.Duration
	// AckQuiescence is how long the firmware may stay silent before a
	// single command's response is considered complete.
	AckQuiescence time.Duration
	// ResetQuiescence bounds the wait for the post-reset banner.
	ResetQuiescence time.Duration
	// SettingsQuiescence bounds the settings dump, which is much longer
	// than a plain ack.
	SettingsQuiescence time.Duration

	// Startup lines are sent, best-effort, before the session is Ready.
	Startup []string

	// Schema describes the firmware's settings table.
	Schema Schema

	// BufferSize is the device receive buffer capacity in bytes.
	BufferSize int
}

func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.Warmup == 0 {
		c.Warmup = defaultWarmup
	}
	if c.AckQuiescence == 0 {
		c.AckQuiescence = defaultAckQuiescence
	}
	if c.ResetQuiescence == 0 {
		c.ResetQuiescence = defaultResetQuiescence
	}
	if c.SettingsQuiescence == 0 {
		c.SettingsQuiescence = defaultSettingsQuiescence
	}
	if c.Schema == nil {
		c.Schema = DefaultSchema()
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}

// State is the session's position in its lifecycle. Initialization is
// strictly sequential; only Ready accepts arbitrary command traffic, and
// Faulted is terminal.
type State int

const (
	Disconnected State = iota
	WakingUp
	Resetting
	ClearingAlarm
	QueryingSettings
	RunningStartup
	Ready
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case WakingUp:
		return "WakingUp"
	case Resetting:
		return "Resetting"
	case ClearingAlarm:
		return "ClearingAlarm"
	case QueryingSettings:
		return "QueryingSettings"
	case RunningStartup:
		return "RunningStartup"
	case Ready:
		return "Ready"
	case Faulted:
		return "Faulted"
	}
	return "Invalid"
}

// Link is the byte stream a session drives. Exactly one session may own a
// link at a time.
type Link interface {
	lineSource
	WriteRaw([]byte) error
	Close() error
}

// Session owns one serial link to one Grbl controller: it runs the
// wake/reset/settings/startup sequence and then exposes the command API.
type Session struct {
	cfg  Config
	link Link
	flow *flow

	// opMx serializes operations that go through the flow controller.
	opMx sync.Mutex

	mx       sync.Mutex
	state    State
	fault    error
	settings Snapshot
	report   Report

	stateCh chan State

	// statusCh carries raw status report lines to a waiting realtime
	// query when another reader picked them off the link.
	statusCh chan string
}

// Dial opens the serial link and brings the controller to Ready.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	l, err := link.Open(cfg.Address, cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	s := NewSession(l, cfg)
	if err := s.Connect(ctx); err != nil {
		l.Close()
		return nil, err
	}
	return s, nil
}

// NewSession wraps an existing link. Call Connect before issuing commands.
func NewSession(l Link, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		link:     l,
		flow:     newFlow(l, cfg.BufferSize),
		state:    Disconnected,
		stateCh:  make(chan State, 8),
		statusCh: make(chan string, 1),
	}
}

// Schema returns the settings schema this session was configured with.
func (s *Session) Schema() Schema { return s.cfg.Schema }

// Transitions reports session state changes for logging and telemetry.
// Events are dropped if the receiver falls behind.
func (s *Session) Transitions() <-chan State { return s.stateCh }

// CurrentState returns the session state.
func (s *Session) CurrentState() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mx.Lock()
	s.state = st
	s.mx.Unlock()
	select {
	case s.stateCh <- st:
	default:
	}
}

func (s *Session) failf(err error) error {
	s.mx.Lock()
	s.fault = err
	s.mx.Unlock()
	s.setState(Faulted)
	return err
}

func (s *Session) ready() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	switch s.state {
	case Ready:
		return nil
	case Faulted:
		return fmt.Errorf("%w: %v", ErrSessionFaulted, s.fault)
	}
	return ErrNotReady
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect wakes, resets, and configures the controller, leaving the
// session Ready. On any failure the session is Faulted and must be
// rebuilt; nothing here retries.
func (s *Session) Connect(ctx context.Context) error {
	if st := s.CurrentState(); st != Disconnected {
		return errors.New("connect from state " + st.String())
	}

	s.setState(WakingUp)
	if err := s.link.WriteRaw([]byte("\r\n\r\n")); err != nil {
		return s.failf(fmt.Errorf("wake: %w", err))
	}
	if err := sleep(ctx, s.cfg.Warmup); err != nil {
		return s.failf(err)
	}
	if noise := gather(ctx, s.link, s.cfg.ResetQuiescence); len(noise) > 0 {
		log.Printf("discarding %d wake line(s): %v", len(noise), noise)
	}

	s.setState(Resetting)
	if err := s.link.WriteRaw([]byte{byte(SoftReset)}); err != nil {
		return s.failf(fmt.Errorf("reset: %w", err))
	}
	if lines := gather(ctx, s.link, s.cfg.ResetQuiescence); len(lines) == 0 {
		return s.failf(ErrNoResetAck)
	}
	s.flow.reset()

	s.setState(ClearingAlarm)
	if lines := s.bareCommand(ctx, KillAlarm.line(), s.cfg.AckQuiescence); len(lines) == 0 {
		return s.failf(ErrAlarmClearFailed)
	}

	s.setState(QueryingSettings)
	dump := s.bareCommand(ctx, ViewSettings.line(), s.cfg.SettingsQuiescence)
	snap, err := s.cfg.Schema.DecodeBatch(dump)
	if err != nil {
		return s.failf(fmt.Errorf("%w: %v", ErrSettingsQueryFailed, err))
	}
	s.mx.Lock()
	s.settings = snap
	s.mx.Unlock()

	s.setState(RunningStartup)
	for _, line := range s.cfg.Startup {
		// startup commands are best-effort
		if _, err := s.exec(ctx, line, s.cfg.AckQuiescence); err != nil {
			log.Printf("ERROR: startup command %q: %v", line, err)
		}
	}

	s.setState(Ready)
	return nil
}

// bareCommand writes a line directly, bypassing flow accounting. Only used
// during initialization, before the device buffer is in a known state.
func (s *Session) bareCommand(ctx context.Context, text string, quiescence time.Duration) []string {
	if err := s.link.WriteRaw([]byte(text + "\n")); err != nil {
		return nil
	}
	return gather(ctx, s.link, quiescence)
}

// nextLine reads one line from the link, recording any status report
// that passes through. The firmware answers `?` out of band, so a report
// can land between a queued command's response lines; whoever happens to
// be reading must divert it to the report holder rather than keep it.
func (s *Session) nextLine(ctx context.Context, idle time.Duration) (string, bool) {
	line, ok := s.link.ReadLine(ctx, idle)
	if ok {
		if kind, _ := classify(line); kind == respStatus {
			s.recordStatus(line)
		}
	}
	return line, ok
}

func (s *Session) recordStatus(line string) {
	s.mx.Lock()
	rep, err := ParseReport(s.report, line)
	if err == nil {
		s.report = *rep
	}
	s.mx.Unlock()
	if err != nil {
		log.Println("ERROR: bad status report:", err)
		return
	}
	select {
	case s.statusCh <- line:
	default:
	}
}

// exec admits one line through the flow controller, gathers its response,
// and retires it on the terminal line. Payload lines are returned; an
// error(code) terminal becomes the returned error.
func (s *Session) exec(ctx context.Context, text string, quiescence time.Duration) ([]string, error) {
	if err := s.flow.admit(ctx, text); err != nil {
		return nil, err
	}
	var payload []string
	var termErr error
	retired := false
	for {
		line, ok := s.nextLine(ctx, quiescence)
		if !ok {
			return payload, termErr
		}
		kind, fwErr := classify(line)
		switch kind {
		case respOK:
			if !retired {
				s.flow.retireOne()
				retired = true
			}
		case respError:
			if !retired {
				s.flow.retireOne()
				retired = true
			}
			termErr = fwErr
		case respStatus:
			// belongs to a concurrent `?`; nextLine diverted it
		default:
			payload = append(payload, line)
		}
	}
}

// awaitAck blocks until the oldest in-flight line gets its terminal
// response. Quiet here means the controller is still busy, not done; the
// context is the only abort.
func (s *Session) awaitAck(ctx context.Context) error {
	for {
		line, ok := s.nextLine(ctx, s.cfg.AckQuiescence)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		kind, fwErr := classify(line)
		switch kind {
		case respOK:
			s.flow.retireOne()
			return nil
		case respError:
			s.flow.retireOne()
			return fwErr
		}
	}
}

// SendRealtime transmits a single control byte immediately: no terminator,
// no queuing, no flow accounting, even while a stream has the buffer full.
// The returned bool is false when the firmware stayed silent, which is a
// legitimate result for hold/start.
func (s *Session) SendRealtime(ctx context.Context, cmd Realtime) (string, bool, error) {
	if _, ok := realtimeCommands[cmd]; !ok {
		return "", false, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, byte(cmd))
	}
	if err := s.ready(); err != nil {
		return "", false, err
	}
	if cmd == StatusQuery {
		// drop any stale report so the wait below only sees a fresh one
		select {
		case <-s.statusCh:
		default:
		}
	}
	if err := s.link.WriteRaw([]byte{byte(cmd)}); err != nil {
		return "", false, err
	}
	if cmd == SoftReset {
		s.flow.reset()
	}

	if s.opMx.TryLock() {
		// no queued command is awaiting responses; read directly
		defer s.opMx.Unlock()
		line, ok := s.nextLine(ctx, s.cfg.AckQuiescence)
		return line, ok, nil
	}
	// a queued command or stream owns the read side; its reader diverts
	// status reports our way, and the other realtime commands have no
	// response line to wait for
	if cmd != StatusQuery {
		return "", false, nil
	}
	t := time.NewTimer(s.cfg.AckQuiescence)
	defer t.Stop()
	select {
	case line := <-s.statusCh:
		return line, true, nil
	case <-t.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, nil
	}
}

// Status queries and decodes a realtime status report.
func (s *Session) Status(ctx context.Context) (*Report, error) {
	line, ok, err := s.SendRealtime(ctx, StatusQuery)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("no status report")
	}
	s.mx.Lock()
	prev := s.report
	s.mx.Unlock()
	rep, err := ParseReport(prev, line)
	if err != nil {
		return nil, err
	}
	s.mx.Lock()
	s.report = *rep
	s.mx.Unlock()
	return rep, nil
}

// SendDollar runs one of the firmware's "$" system commands as a queued
// line and returns its payload lines.
func (s *Session) SendDollar(ctx context.Context, cmd Dollar) ([]string, error) {
	if _, ok := dollarCommands[cmd]; !ok {
		return nil, fmt.Errorf("%w: $%c", ErrUnknownCommand, byte(cmd))
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.opMx.Lock()
	defer s.opMx.Unlock()
	quiescence := s.cfg.AckQuiescence
	if cmd == ViewSettings {
		quiescence = s.cfg.SettingsQuiescence
	}
	return s.exec(ctx, cmd.line(), quiescence)
}

// Home runs the homing cycle.
func (s *Session) Home(ctx context.Context) error {
	_, err := s.SendDollar(ctx, RunHoming)
	return err
}

// ClearAlarm kills an active alarm lock.
func (s *Session) ClearAlarm(ctx context.Context) error {
	_, err := s.SendDollar(ctx, KillAlarm)
	return err
}

// BuildInfo returns the firmware build info lines.
func (s *Session) BuildInfo(ctx context.Context) ([]string, error) {
	return s.SendDollar(ctx, ViewBuild)
}

// ParserState returns the gcode parser state line.
func (s *Session) ParserState(ctx context.Context) ([]string, error) {
	return s.SendDollar(ctx, ViewParser)
}

// Parameters returns the stored `#` parameters.
func (s *Session) Parameters(ctx context.Context) ([]string, error) {
	return s.SendDollar(ctx, ViewParameters)
}

// StartupBlocks returns the stored startup blocks.
func (s *Session) StartupBlocks(ctx context.Context) ([]string, error) {
	return s.SendDollar(ctx, ViewStartups)
}

// Settings returns the current snapshot, querying the device if none is
// held yet.
func (s *Session) Settings(ctx context.Context) (Snapshot, error) {
	s.mx.Lock()
	snap := s.settings
	s.mx.Unlock()
	if snap != nil {
		return snap, nil
	}
	return s.RefreshSettings(ctx)
}

// RefreshSettings re-queries the device and atomically replaces the
// snapshot. A partial or malformed dump leaves the old snapshot in place.
func (s *Session) RefreshSettings(ctx context.Context) (Snapshot, error) {
	lines, err := s.SendDollar(ctx, ViewSettings)
	if err != nil {
		return nil, err
	}
	snap, err := s.cfg.Schema.DecodeBatch(lines)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettingsQueryFailed, err)
	}
	s.mx.Lock()
	s.settings = snap
	s.mx.Unlock()
	return snap, nil
}

// ApplySettings writes changed values to the device. Lines go one at a
// time, each waiting for its ack: storing a setting writes EEPROM, which
// disables interrupts on the controller, so they must never be streamed
// back to back.
func (s *Session) ApplySettings(ctx context.Context, changes map[int]Value) error {
	if err := s.ready(); err != nil {
		return err
	}
	ids := make([]int, 0, len(changes))
	for id := range changes {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	s.opMx.Lock()
	defer s.opMx.Unlock()
	for _, id := range ids {
		line, err := s.cfg.Schema.EncodeLine(id, changes[id])
		if err != nil {
			return err
		}
		if err := s.flow.admit(ctx, line); err != nil {
			return err
		}
		if err := s.awaitAck(ctx); err != nil {
			return fmt.Errorf("apply $%d: %w", id, err)
		}
	}
	return nil
}

// LineOutcome is the terminal result for one streamed line. Err is nil for
// "ok" and a *FirmwareError for "error(code)".
type LineOutcome struct {
	Line string
	Err  error
}

// StreamResult pairs per-line outcomes with any unrecognized response
// lines seen along the way. Warnings never retire an outstanding line.
type StreamResult struct {
	Outcomes []LineOutcome
	Warnings []string
}

// StreamProgram sends gcode lines with client-side backpressure, draining
// acks concurrently so the device buffer stays as full as allowed but
// never overruns. Firmware errors are per-line outcomes, not call
// failures: one bad block does not abort an in-progress program.
func (s *Session) StreamProgram(ctx context.Context, lines []string) (*StreamResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.opMx.Lock()
	defer s.opMx.Unlock()

	send := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		send = append(send, line)
	}
	res := &StreamResult{}
	if len(send) == 0 {
		return res, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	acks := make(chan error, len(send))
	drained := make(chan struct{})
	var warnings []string
	var resetErr error

	go func() {
		defer close(drained)
		for got := 0; got < len(send); {
			line, ok := s.nextLine(ctx, s.cfg.AckQuiescence)
			if !ok {
				if ctx.Err() != nil {
					return
				}
				// quiet is not failure: a long motion delays acks
				continue
			}
			kind, fwErr := classify(line)
			switch kind {
			case respOK:
				s.flow.retireOne()
				acks <- nil
				got++
			case respError:
				s.flow.retireOne()
				acks <- fwErr
				got++
			case respStatus:
				// diverted to the report holder by nextLine
			case respPush:
				// interleaved push message; not ours to retire
			case respBanner:
				// the device rebooted and its buffer is gone; pairing
				// with remaining acks is no longer possible
				s.flow.reset()
				resetErr = ErrGrblReset
				cancel()
				return
			default:
				warnings = append(warnings, line)
				log.Println("ERROR: unknown Grbl response:", line)
			}
		}
	}()

	for _, line := range send {
		if err := s.flow.admit(ctx, line); err != nil {
			cancel()
			<-drained
			res.Warnings = warnings
			if resetErr != nil {
				return res, resetErr
			}
			return res, err
		}
	}

	for i := 0; i < len(send); i++ {
		select {
		case err := <-acks:
			res.Outcomes = append(res.Outcomes, LineOutcome{Line: send[i], Err: err})
		case <-ctx.Done():
			<-drained
			res.Warnings = warnings
			if resetErr != nil {
				return res, resetErr
			}
			return res, ctx.Err()
		}
	}
	<-drained
	res.Warnings = warnings
	return res, nil
}

// Close releases the serial link.
func (s *Session) Close() error {
	s.setState(Disconnected)
	return s.link.Close()
}
