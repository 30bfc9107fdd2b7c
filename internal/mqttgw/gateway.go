// Package mqttgw exposes the external MQTT control and telemetry
// surface: inbound actions mutate the shared configuration, outbound
// topics mirror every subsystem's state.
package mqttgw

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/stapelberg/opensleepd/internal/config"
	"github.com/stapelberg/opensleepd/internal/frank"
	"github.com/stapelberg/opensleepd/internal/presence"
)

const topicRoot = "opensleep"

// Calibrator starts and waits out a presence calibration window.
type Calibrator interface {
	Calibrate(now time.Time) (config.PresenceConfig, error)
}

// Telemetry bundles the state sources the gateway publishes
// periodically. Frozen and Sensor are thunks rather than driver
// references directly, since frozen.Driver.Snapshot and
// sensor.Driver.Snapshot each return their own concrete State type
// rather than a common interface; the caller closes over the real
// driver (e.g. `func() interface{} { return frozenDriver.Snapshot() }`).
// Any field left nil is simply skipped.
type Telemetry struct {
	Frozen   func() interface{}
	Sensor   func() interface{}
	Frank    *frank.Server
	Presence *presence.Detector
}

// Gateway is the MQTT client wrapper.
type Gateway struct {
	client    mqtt.Client
	bus       *config.Bus
	calibrate Calibrator
	telemetry Telemetry
	now       func() time.Time
}

// Options configures the broker connection.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

func New(opts Options, bus *config.Bus, calibrate Calibrator, telemetry Telemetry) *Gateway {
	gw := &Gateway{bus: bus, calibrate: calibrate, telemetry: telemetry, now: time.Now}

	mo := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(60 * time.Second).
		SetWill(topic("availability"), "offline", 1, true).
		SetOnConnectHandler(gw.onConnect).
		SetDefaultPublishHandler(gw.onUnroutedMessage)

	gw.client = mqtt.NewClient(mo)
	return gw
}

func topic(parts ...string) string {
	return topicRoot + "/" + strings.Join(parts, "/")
}

func (g *Gateway) Connect() error {
	tok := g.client.Connect()
	tok.Wait()
	return tok.Error()
}

// onConnect fires after every successful connect, including
// reconnects, which is exactly when the full configuration needs
// republishing regardless of the client library's own back-off
// strategy.
func (g *Gateway) onConnect(c mqtt.Client) {
	log.Printf("mqttgw: connected")
	c.Subscribe(topic("actions", "#"), 1, g.onAction)
	c.Publish(topic("availability"), 1, true, "online")
	g.publishConfig(g.bus.Snapshot())
	if g.telemetry.Frozen != nil {
		// Device identity to its retained topic, so observers that
		// missed earlier telemetry still learn what hardware this is.
		b, err := json.Marshal(g.telemetry.Frozen())
		if err == nil {
			c.Publish(topic("device"), 1, true, b)
		}
	}
}

func (g *Gateway) onUnroutedMessage(c mqtt.Client, m mqtt.Message) {
	log.Printf("mqttgw: unrouted message on %s", m.Topic())
}

// onAction handles every opensleep/actions/* topic. It never blocks
// the MQTT client's own callback goroutine on a publish: the actual
// work and its result publish happen in a spawned goroutine.
func (g *Gateway) onAction(c mqtt.Client, m mqtt.Message) {
	action := strings.TrimPrefix(m.Topic(), topic("actions")+"/")
	payload := string(m.Payload())
	go g.handleAction(action, payload)
}

func (g *Gateway) handleAction(action, payload string) {
	err := g.dispatch(action, payload)
	status := "success"
	msg := ""
	if err != nil {
		status = "error"
		msg = err.Error()
		log.Printf("mqttgw: action %s failed: %v", action, err)
	}
	g.publishResult(topic("result", "action"), action)
	g.publishResult(topic("result", "status"), status)
	g.publishResult(topic("result", "message"), msg)
}

// publishResult publishes one result message with a short timeout; a
// broker that cannot take the message within 100ms has it dropped and
// logged rather than blocking the action handler.
func (g *Gateway) publishResult(t, payload string) {
	tok := g.client.Publish(t, 0, false, payload)
	if !tok.WaitTimeout(100 * time.Millisecond) {
		log.Printf("mqttgw: publish to %s dropped (timeout)", t)
	}
}

func (g *Gateway) dispatch(action, payload string) error {
	switch action {
	case "calibrate":
		return g.doCalibrate()
	case "set_away_mode":
		return g.doSetAwayMode(payload)
	case "set_prime":
		return g.doSetPrime(payload)
	case "set_profile":
		_, err := g.bus.Update(func(cfg *config.Config) error {
			return parseSetProfile(cfg, payload)
		})
		return err
	case "set_presence_config":
		_, err := g.bus.Update(func(cfg *config.Config) error {
			return parseSetPresenceConfig(cfg, payload)
		})
		return err
	default:
		return fmt.Errorf("mqttgw: unknown action %q", action)
	}
}

func (g *Gateway) doCalibrate() error {
	if g.calibrate == nil {
		return fmt.Errorf("calibrate: presence detector not available")
	}
	presenceCfg, err := g.calibrate.Calibrate(g.now())
	if err != nil {
		return err
	}
	cfg, err := g.bus.Update(func(cfg *config.Config) error {
		cfg.Presence = &presenceCfg
		return nil
	})
	if err != nil {
		return err
	}
	g.publishConfig(cfg)
	return nil
}

func (g *Gateway) doSetAwayMode(payload string) error {
	var away bool
	switch strings.TrimSpace(payload) {
	case "true":
		away = true
	case "false":
		away = false
	default:
		return fmt.Errorf("set_away_mode: want true|false, got %q", payload)
	}
	cfg, err := g.bus.Update(func(cfg *config.Config) error {
		cfg.AwayMode = away
		return nil
	})
	if err != nil {
		return err
	}
	g.publishConfig(cfg)
	return nil
}

func (g *Gateway) doSetPrime(payload string) error {
	ct, err := config.ParseClockTime(strings.TrimSpace(payload))
	if err != nil {
		return err
	}
	cfg, err := g.bus.Update(func(cfg *config.Config) error {
		cfg.PrimeTime = &ct
		return nil
	})
	if err != nil {
		return err
	}
	g.publishConfig(cfg)
	return nil
}

func (g *Gateway) publishConfig(cfg *config.Config) {
	b, err := json.Marshal(cfg)
	if err != nil {
		log.Printf("mqttgw: marshal config: %v", err)
		return
	}
	g.client.Publish(topic("config"), 2, true, b)
}

// PublishTelemetryLoop periodically publishes non-retained, at-most-
// once subsystem telemetry until stop is closed.
func (g *Gateway) PublishTelemetryLoop(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			g.publishTelemetryOnce()
		}
	}
}

func (g *Gateway) publishTelemetryOnce() {
	if g.telemetry.Frozen != nil {
		g.publishJSON(topic("subsystems", "frozen"), g.telemetry.Frozen())
	}
	if g.telemetry.Sensor != nil {
		g.publishJSON(topic("subsystems", "sensor"), g.telemetry.Sensor())
	}
	if g.telemetry.Frank != nil {
		g.publishJSON(topic("subsystems", "frank"), g.telemetry.Frank.Snapshot())
	}
	if g.telemetry.Presence != nil {
		g.publishJSON(topic("presence"), g.telemetry.Presence.State())
	}
}

func (g *Gateway) publishJSON(t string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("mqttgw: marshal telemetry for %s: %v", t, err)
		return
	}
	g.client.Publish(t, 0, false, b)
}

func (g *Gateway) Disconnect() {
	g.client.Publish(topic("availability"), 1, true, "offline")
	g.client.Disconnect(250)
}
