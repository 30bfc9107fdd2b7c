// Package frank implements the Unix-domain-socket server that
// impersonates the vendor firmware daemon, so the unmodified firmware
// client (which expects exactly this socket) can be driven by this
// process instead.
package frank

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Opcodes accepted on the socket.
const (
	OpHello                = 0
	OpSetAlarmLeft         = 5
	OpSetAlarmRight        = 6
	OpSetSettings          = 8
	OpSetTempDurationLeft  = 9
	OpSetTempDurationRight = 10
	OpSetTempLeft          = 11
	OpSetTempRight         = 12
	OpPrime                = 13
	OpStatus               = 14
	OpClearAlarm           = 16
)

// TimestampedAlarm is the CBOR payload for OpSetAlarmLeft/Right.
type TimestampedAlarm struct {
	Intensity uint8  `cbor:"pl"`
	Duration  uint16 `cbor:"du"`
	Pattern   string `cbor:"pi"`
	Timestamp uint64 `cbor:"tt"`
}

// FrankSettings is the CBOR payload for OpSetSettings, also embedded
// hex-encoded inside the Status response's "settings" field.
type FrankSettings struct {
	Version              uint8  `cbor:"v" json:"version"`
	GainLeft             uint16 `cbor:"gl" json:"gain_left"`
	GainRight            uint16 `cbor:"gr" json:"gain_right"`
	LEDBrightnessPercent uint8  `cbor:"lb" json:"led_brightness_percent"`
}

// State is the most recently parsed Status response.
type State struct {
	TargetHeatLevelLeft  int16          `json:"target_heat_level_left"`
	TargetHeatLevelRight int16          `json:"target_heat_level_right"`
	HeatLevelLeft        int16          `json:"heat_level_left"`
	HeatLevelRight       int16          `json:"heat_level_right"`
	HeatTimeLeft         uint16         `json:"heat_time_left"`
	HeatTimeRight        uint16         `json:"heat_time_right"`
	SensorLabel          string         `json:"sensor_label"`
	WaterLevel           bool           `json:"water_level"`
	Priming              bool           `json:"priming"`
	Settings             *FrankSettings `json:"settings,omitempty"`
}

// Server accepts connections from the firmware client and holds the
// newest one as the active peer; older connections are dropped.
type Server struct {
	path string
	ln   *net.UnixListener

	connMu sync.Mutex
	conn   net.Conn
	// connReader buffers conn across transactions: bytes it read past
	// one response's terminator must stay available for the next.
	connReader *bufio.Reader

	// txMu serializes transactions: one outstanding request/response
	// exchange on the active stream at a time.
	txMu sync.Mutex

	peerOnce  sync.Once
	peerReady chan struct{}

	stateMu sync.RWMutex
	state   State
}

// Listen recreates the socket file at path and begins listening.
func Listen(path string) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("frank: unlink %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("frank: listen %s: %w", path, err)
	}
	return &Server{path: path, ln: ln, peerReady: make(chan struct{})}, nil
}

func (s *Server) Close() error {
	return s.ln.Close()
}

// AcceptLoop accepts connections forever, replacing the active peer
// with each newly accepted one and closing whatever was active before.
func (s *Server) AcceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("frank: accept: %v", err)
			continue
		}
		s.connMu.Lock()
		prev := s.conn
		s.conn = conn
		s.connReader = bufio.NewReader(conn)
		s.connMu.Unlock()
		if prev != nil {
			prev.Close()
		}
		s.peerOnce.Do(func() { close(s.peerReady) })
		log.Printf("frank: accepted new firmware connection")
	}
}

// WaitForPeer blocks until the firmware client has connected once, or
// ctx is cancelled.
func (s *Server) WaitForPeer(ctx context.Context) error {
	select {
	case <-s.peerReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) activeConn() (net.Conn, *bufio.Reader, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil, nil, fmt.Errorf("frank: no firmware connection yet")
	}
	return s.conn, s.connReader, nil
}

// transact writes a request and reads until the terminator: the
// second consecutive '\n', wherever it occurs. A blank line inside a
// status block therefore ends the response at that point.
func (s *Server) transact(request []byte, timeout time.Duration) (string, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	conn, r, err := s.activeConn()
	if err != nil {
		return "", err
	}
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(request); err != nil {
		return "", fmt.Errorf("frank: write: %w", err)
	}

	var body strings.Builder
	lastWasNewline := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("frank: read: %w", err)
		}
		if b == '\n' {
			if lastWasNewline {
				return body.String(), nil
			}
			lastWasNewline = true
		} else {
			lastWasNewline = false
		}
		body.WriteByte(b)
	}
}

func encodeRequest(opcode int, payload string) []byte {
	if payload == "" {
		return []byte(fmt.Sprintf("%d\n\n", opcode))
	}
	return []byte(fmt.Sprintf("%d\n%s\n\n", opcode, payload))
}

func (s *Server) commandOK(opcode int, payload string, timeout time.Duration) error {
	body, err := s.transact(encodeRequest(opcode, payload), timeout)
	if err != nil {
		return err
	}
	if strings.TrimRight(body, "\n") != "ok" {
		return fmt.Errorf("frank: opcode %d: unexpected response %q", opcode, body)
	}
	return nil
}

const defaultTimeout = 2 * time.Second
const statusTimeout = 60 * time.Second

func (s *Server) SetLeftAlarm(a TimestampedAlarm) error  { return s.setAlarm(OpSetAlarmLeft, a) }
func (s *Server) SetRightAlarm(a TimestampedAlarm) error { return s.setAlarm(OpSetAlarmRight, a) }

func (s *Server) setAlarm(opcode int, a TimestampedAlarm) error {
	b, err := cbor.Marshal(a)
	if err != nil {
		return fmt.Errorf("frank: encode alarm: %w", err)
	}
	return s.commandOK(opcode, hex.EncodeToString(b), defaultTimeout)
}

func (s *Server) SetSettings(set FrankSettings) error {
	b, err := cbor.Marshal(set)
	if err != nil {
		return fmt.Errorf("frank: encode settings: %w", err)
	}
	return s.commandOK(OpSetSettings, hex.EncodeToString(b), defaultTimeout)
}

func (s *Server) SetTempDurationLeft(seconds uint16) error {
	return s.commandOK(OpSetTempDurationLeft, strconv.Itoa(int(seconds)), defaultTimeout)
}

func (s *Server) SetTempDurationRight(seconds uint16) error {
	return s.commandOK(OpSetTempDurationRight, strconv.Itoa(int(seconds)), defaultTimeout)
}

func (s *Server) SetTempLeft(centiCelsius int16) error {
	return s.commandOK(OpSetTempLeft, strconv.Itoa(int(centiCelsius)), defaultTimeout)
}

func (s *Server) SetTempRight(centiCelsius int16) error {
	return s.commandOK(OpSetTempRight, strconv.Itoa(int(centiCelsius)), defaultTimeout)
}

// SetTempBothSides splits the compound "both sides" command into two
// sequential single-side transactions. If either fails, the overall
// command is reported as failed; no rollback is attempted.
func (s *Server) SetTempBothSides(left, right int16) error {
	if err := s.SetTempLeft(left); err != nil {
		return err
	}
	return s.SetTempRight(right)
}

// Hello pings the firmware client; useful to probe whether the active
// peer is still alive without touching any state.
func (s *Server) Hello() error {
	return s.commandOK(OpHello, "", defaultTimeout)
}

func (s *Server) Prime() error {
	return s.commandOK(OpPrime, "", defaultTimeout)
}

func (s *Server) ClearAlarm() error {
	return s.commandOK(OpClearAlarm, "", defaultTimeout)
}

// RefreshStatus issues OpStatus and stores the parsed result.
func (s *Server) RefreshStatus() (State, error) {
	body, err := s.transact(encodeRequest(OpStatus, ""), statusTimeout)
	if err != nil {
		return State{}, err
	}
	st := parseStatus(body)
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	return st, nil
}

func (s *Server) Snapshot() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func parseStatus(body string) State {
	var st State
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		switch key {
		case "tgHeatLevelL":
			st.TargetHeatLevelLeft = parseInt16(val)
		case "tgHeatLevelR":
			st.TargetHeatLevelRight = parseInt16(val)
		case "heatLevelL":
			st.HeatLevelLeft = parseInt16(val)
		case "heatLevelR":
			st.HeatLevelRight = parseInt16(val)
		case "heatTimeL":
			st.HeatTimeLeft = parseUint16(val)
		case "heatTimeR":
			st.HeatTimeRight = parseUint16(val)
		case "sensorLabel":
			st.SensorLabel = strings.Trim(val, `"`)
		case "waterLevel":
			st.WaterLevel = val == "true"
		case "priming":
			st.Priming = val == "true"
		case "settings":
			raw, err := hex.DecodeString(strings.Trim(val, `"`))
			if err != nil {
				log.Printf("frank: settings field not hex: %v", err)
				continue
			}
			var set FrankSettings
			if err := cbor.Unmarshal(raw, &set); err != nil {
				log.Printf("frank: settings field not valid cbor: %v", err)
				continue
			}
			st.Settings = &set
		}
	}
	return st
}

func parseInt16(s string) int16 {
	v, err := strconv.ParseInt(s, 10, 16)
	if err != nil {
		return 0
	}
	return int16(v)
}

func parseUint16(s string) uint16 {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}
