package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gokrazy/gokrazy"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stapelberg/opensleepd/internal/config"
	"github.com/stapelberg/opensleepd/internal/frank"
	"github.com/stapelberg/opensleepd/internal/frozen"
	"github.com/stapelberg/opensleepd/internal/gpio"
	"github.com/stapelberg/opensleepd/internal/logging"
	"github.com/stapelberg/opensleepd/internal/mqttgw"
	"github.com/stapelberg/opensleepd/internal/presence"
	"github.com/stapelberg/opensleepd/internal/scheduler"
	"github.com/stapelberg/opensleepd/internal/sensor"
	"github.com/stapelberg/opensleepd/internal/serial"
	"github.com/stapelberg/opensleepd/internal/statuspage"
)

var (
	configPath = flag.String("config",
		"/perm/opensleepd.json",
		"path to the persisted configuration document")

	frozenPort = flag.String("frozen_port",
		"/dev/ttyUSB0",
		"path to the thermal (frozen) controller's serial port")

	sensorPort = flag.String("sensor_port",
		"/dev/ttyUSB1",
		"path to the piezo/capacitive sensor controller's serial port")

	frankSocket = flag.String("frank_socket",
		"/deviceinfo/dac.sock",
		"path of the Unix socket to impersonate the vendor firmware daemon on")

	resetChipFrozen = flag.String("reset_gpio_chip_frozen", "/dev/gpiochip0", "GPIO chip for the thermal controller reset line")
	resetLineFrozen = flag.Uint("reset_gpio_line_frozen", 17, "GPIO line offset for the thermal controller reset line")

	resetChipSensor = flag.String("reset_gpio_chip_sensor", "/dev/gpiochip0", "GPIO chip for the sensor controller reset line")
	resetLineSensor = flag.Uint("reset_gpio_line_sensor", 27, "GPIO line offset for the sensor controller reset line")

	listenAddress = flag.String("listen",
		":8013",
		"host:port to listen on for the status page and /metrics")

	logLevel = flag.String("log_level", "info", "log level (debug, info, warn, error); OPENSLEEP_LOG overrides")
	logFile  = flag.String("log_file", "", "optional file to duplicate log output to")

	telemetryInterval = flag.Duration("telemetry_interval", 10*time.Second, "MQTT telemetry publish interval")
	statusTick        = flag.Duration("frank_status_tick", 25*time.Second, "Frank status refresh interval")
)

// sinkAdapter implements scheduler.Sink by forwarding temperature and
// prime commands to the thermal driver and alarm commands to the
// sensor driver: no single subsystem driver handles all three.
type sinkAdapter struct {
	frozen *frozen.Driver
	sensor *sensor.Driver
}

func (s sinkAdapter) SetTemperature(side config.Side, centiCelsius uint16) {
	s.frozen.SetTemperature(side, centiCelsius)
}

func (s sinkAdapter) SetAlarm(side config.Side, alarm config.AlarmConfig) {
	s.sensor.SetAlarm(side, alarm)
}

func (s sinkAdapter) Prime() {
	s.frozen.Prime()
}

func openSerial(path string, reset gpio.ResetLine, baud serial.Baud) (*os.File, error) {
	log.Printf("opening serial port %s", path)
	f, err := os.OpenFile(path, os.O_EXCL|os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0600)
	if err != nil {
		return nil, err
	}
	if err := serial.Configure(f.Fd(), baud); err != nil {
		return nil, err
	}
	log.Printf("resetting %s via GPIO %s:%d", path, reset.Chip, reset.Line)
	if err := reset.Strobe(f.Fd()); err != nil {
		return nil, err
	}
	if err := syscall.SetNonblock(int(f.Fd()), false); err != nil {
		return nil, err
	}
	return f, nil
}

func main() {
	flag.Parse()

	if err := logging.Setup(*logLevel, *logFile); err != nil {
		log.Fatal(err)
	}

	gokrazy.WaitForClock()

	store := config.NewStore(*configPath)
	cfg, err := store.Load()
	if err != nil {
		log.Fatal(err)
	}
	bus := config.NewBus(cfg)

	frozenFile, err := openSerial(*frozenPort,
		gpio.ResetLine{Chip: *resetChipFrozen, Line: uint32(*resetLineFrozen)},
		serial.Bootloader)
	if err != nil {
		log.Fatalf("frozen: %v", err)
	}
	frozenDriver := frozen.New(frozenFile, bus, func(b frozen.Baud) error {
		sb := serial.Bootloader
		if b == frozen.BaudFirmware {
			sb = serial.Firmware
		}
		return serial.Configure(frozenFile.Fd(), sb)
	})

	sensorFile, err := openSerial(*sensorPort,
		gpio.ResetLine{Chip: *resetChipSensor, Line: uint32(*resetLineSensor)},
		serial.Bootloader)
	if err != nil {
		log.Fatalf("sensor: %v", err)
	}
	presenceDetector := presence.New(presenceConfigOf(cfg))
	sensorDriver := sensor.New(sensorFile, bus, presenceDetector, func(b sensor.Baud) error {
		sb := serial.Bootloader
		if b == sensor.BaudFirmware {
			sb = serial.Firmware
		}
		return serial.Configure(sensorFile.Fd(), sb)
	})

	frankServer, err := frank.Listen(*frankSocket)
	if err != nil {
		log.Fatalf("frank: %v", err)
	}

	sched := scheduler.New(bus, sinkAdapter{frozen: frozenDriver, sensor: sensorDriver})

	var gw *mqttgw.Gateway
	if cfg.MQTT.Broker != "" {
		gw = mqttgw.New(mqttgw.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, bus, presenceDetector, mqttgw.Telemetry{
			Frozen:   func() interface{} { return frozenDriver.Snapshot() },
			Sensor:   func() interface{} { return sensorDriver.Snapshot() },
			Frank:    frankServer,
			Presence: presenceDetector,
		})
		if err := gw.Connect(); err != nil {
			log.Fatalf("mqttgw: connect: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("shutting down")
		cancel()
	}()

	// Persist the configuration after every successful mutation (MQTT
	// action, presence calibration), and push presence tuning into the
	// running detector.
	go func() {
		changed, cancelSub := bus.Subscribe()
		defer cancelSub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				snapshot := bus.Snapshot()
				if err := store.Save(snapshot); err != nil {
					log.Printf("config: save: %v", err)
				}
				if snapshot.Presence != nil {
					presenceDetector.SetConfig(*snapshot.Presence)
				}
			}
		}
	}()

	go frozenDriver.Run(ctx)
	go sensorDriver.Run(ctx)
	go frankServer.AcceptLoop(ctx)
	go frankServer.Run(ctx, *statusTick)
	go sched.Run(ctx)

	stopTelemetry := make(chan struct{})
	if gw != nil {
		go gw.PublishTelemetryLoop(*telemetryInterval, stopTelemetry)
	}

	http.Handle("/", statuspage.Handler(statuspage.Sources{
		Bus:      bus,
		Frozen:   frozenDriver,
		Sensor:   sensorDriver,
		Frank:    frankServer,
		Presence: presenceDetector,
	}))
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*listenAddress, nil); err != nil {
			log.Printf("http: %v", err)
		}
	}()

	<-ctx.Done()
	close(stopTelemetry)
	if gw != nil {
		gw.Disconnect()
	}
	if err := store.Save(bus.Snapshot()); err != nil {
		log.Printf("config: save on shutdown: %v", err)
	}
}

func presenceConfigOf(cfg *config.Config) config.PresenceConfig {
	if cfg.Presence != nil {
		return *cfg.Presence
	}
	return config.PresenceConfig{}
}
