package frank

import (
	"bufio"
	"context"
	"encoding/hex"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// fakeFirmware speaks the firmware client's side of the line protocol:
// read a request up to its "\n\n" terminator, answer from the handler.
func fakeFirmware(t *testing.T, conn net.Conn, handler func(request string) string) {
	t.Helper()
	r := bufio.NewReader(conn)
	for {
		var req strings.Builder
		lastWasNewline := false
		for {
			b, err := r.ReadByte()
			if err != nil {
				return
			}
			req.WriteByte(b)
			if b == '\n' {
				if lastWasNewline {
					break
				}
				lastWasNewline = true
			} else {
				lastWasNewline = false
			}
		}
		if _, err := conn.Write([]byte(handler(req.String()))); err != nil {
			return
		}
	}
}

func listenAndDial(t *testing.T) (*Server, net.Conn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dac.sock")
	s, err := Listen(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.AcceptLoop(ctx)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := s.WaitForPeer(waitCtx); err != nil {
		t.Fatalf("WaitForPeer: %v", err)
	}
	return s, conn
}

func TestCommandOKOverSocket(t *testing.T) {
	s, conn := listenAndDial(t)
	go fakeFirmware(t, conn, func(request string) string {
		if request != "11\n2600\n\n" {
			t.Errorf("unexpected request %q", request)
		}
		return "ok\n\n"
	})

	if err := s.SetTempLeft(2600); err != nil {
		t.Fatalf("SetTempLeft: %v", err)
	}
}

func TestCommandRejectsNonOKResponse(t *testing.T) {
	s, conn := listenAndDial(t)
	go fakeFirmware(t, conn, func(string) string { return "nope\n\n" })

	if err := s.Prime(); err == nil {
		t.Fatal("expected an error for a non-ok response")
	}
}

func TestStatusOverSocket(t *testing.T) {
	settingsCBOR, err := cbor.Marshal(FrankSettings{Version: 1, GainLeft: 400, GainRight: 400, LEDBrightnessPercent: 80})
	if err != nil {
		t.Fatal(err)
	}
	statusBody := "tgHeatLevelL = 10\n" +
		"tgHeatLevelR = -5\n" +
		"heatLevelL = 9\n" +
		"heatLevelR = -4\n" +
		"heatTimeL = 120\n" +
		"heatTimeR = 0\n" +
		"sensorLabel = \"ok\"\n" +
		"waterLevel = true\n" +
		"priming = false\n" +
		"settings = \"" + hex.EncodeToString(settingsCBOR) + "\"\n" +
		"\n"

	s, conn := listenAndDial(t)
	go fakeFirmware(t, conn, func(request string) string {
		if request != "14\n\n" {
			t.Errorf("unexpected request %q", request)
		}
		return statusBody
	})

	st, err := s.RefreshStatus()
	if err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	if !st.WaterLevel || st.Priming {
		t.Errorf("water/priming: got %v/%v", st.WaterLevel, st.Priming)
	}
	if st.Settings == nil || st.Settings.GainLeft != 400 {
		t.Errorf("settings: got %+v", st.Settings)
	}
	if got := s.Snapshot(); got.TargetHeatLevelLeft != 10 {
		t.Errorf("Snapshot not updated: %+v", got)
	}
}

func TestSetAlarmEncodesHexCBOR(t *testing.T) {
	s, conn := listenAndDial(t)
	go fakeFirmware(t, conn, func(request string) string {
		lines := strings.Split(request, "\n")
		if len(lines) < 2 || lines[0] != "5" {
			t.Errorf("unexpected request %q", request)
			return "ok\n\n"
		}
		want := "a462706c1832626475186462706964726973656274741a68407a28"
		if lines[1] != want {
			t.Errorf("payload: got %s, want %s", lines[1], want)
		}
		return "ok\n\n"
	})

	err := s.SetLeftAlarm(TimestampedAlarm{Intensity: 50, Duration: 100, Pattern: "rise", Timestamp: 1749056040})
	if err != nil {
		t.Fatalf("SetLeftAlarm: %v", err)
	}
}

func TestNewestConnectionReplacesPrevious(t *testing.T) {
	s, first := listenAndDial(t)

	second, err := net.Dial("unix", s.path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { second.Close() })
	go fakeFirmware(t, second, func(string) string { return "ok\n\n" })

	// Give the accept loop a moment to swap in the new peer and close
	// the old one.
	deadline := time.Now().Add(2 * time.Second)
	for {
		first.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, err := first.Read(make([]byte, 1)); err != nil && !isTimeout(err) {
			break // first connection was closed by the server
		}
		if time.Now().After(deadline) {
			t.Fatal("previous connection was never dropped")
		}
	}

	if err := s.Prime(); err != nil {
		t.Fatalf("Prime on the newest connection: %v", err)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
