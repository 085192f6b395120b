// Grid monitor agent - connectivity and update orchestrator.
//
// The agent owns everything around the metering front end: the WiFi link,
// the MQTT session, log and measurement relaying, the JSON command protocol,
// firmware update delivery and boot image validation. Measurements are
// handed in through the telemetry relay's Offer API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridsense/gridmon-agent/internal/command"
	"github.com/gridsense/gridmon-agent/internal/identity"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/config"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/influxdb"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/mqtt"
	"github.com/gridsense/gridmon-agent/internal/lifecycle"
	"github.com/gridsense/gridmon-agent/internal/ota"
	"github.com/gridsense/gridmon-agent/internal/telemetry"
	"github.com/gridsense/gridmon-agent/internal/wifi"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting grid monitor agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Device identity comes from the wireless interface MAC
	deviceID, err := identity.FromInterface(cfg.WiFi.Interface)
	if err != nil {
		return fmt.Errorf("deriving device identity: %w", err)
	}
	if cfg.MQTT.Broker.ClientID == "" {
		cfg.MQTT.Broker.ClientID = identity.ClientID(deviceID)
	}
	topics := mqtt.NewTopics(cfg.Device.TopicBase, deviceID)
	log.Info("device identity derived", "device_id", deviceID, "client_id", cfg.MQTT.Broker.ClientID)

	// Reinitialise logger with the MQTT forwarding sink attached: every
	// record from here on is mirrored towards the broker.
	forwarder := logging.NewForwarder(topics.Log, cfg.Telemetry.LogBufferSize)
	log = logging.New(cfg.Logging, version, forwarder)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the boot environment and arm image validation
	bootEnv, err := ota.Open(cfg.Device.DataDir)
	if err != nil {
		return fmt.Errorf("opening boot environment: %w", err)
	}
	if bootEnv.RolledBack() {
		log.Warn("previous image failed verification, rolled back",
			"running_slot", bootEnv.RunningSlot(),
		)
	}
	log.Info("boot environment ready",
		"running_slot", bootEnv.RunningSlot(),
		"boot_slot", bootEnv.BootSlot(),
	)

	validator := ota.NewValidator(bootEnv, cfg.GetValidationTimeout(), log)
	if err := validator.CheckOnStartup(ctx); err != nil {
		return fmt.Errorf("arming image validation: %w", err)
	}

	// Lifecycle coordinator owns graceful shutdown and deferred restarts
	restarter := lifecycle.ExitRestarter{}
	coordinator := lifecycle.NewCoordinator(restarter, log)
	directRestart := func() { restarter.Restart() }

	// MQTT transport exists from the start; the session comes later, once
	// the network is up. Publishing before that is a silent no-op.
	mqttClient := mqtt.New(cfg.MQTT, topics)
	mqttClient.SetLogger(log)

	// WiFi link
	supplicant := wifi.NewWPACli(cfg.WiFi)
	wifiManager := wifi.NewManager(supplicant, cfg.WiFi, log)
	go func() {
		if err := wifiManager.Run(ctx); err != nil {
			log.Error("wifi manager stopped", "error", err)
		}
	}()

	// Telemetry relay
	relay := telemetry.NewRelay(mqttClient, topics, cfg.Telemetry, cfg.Device.Name, wifiManager.IP, log)
	go relay.Run(ctx)

	// Optional direct InfluxDB measurement sink
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB, func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		relay.SetGridWriter(influxClient)
		coordinator.AddStep("influxdb", func(context.Context) error {
			influxClient.Flush()
			return influxClient.Close()
		})
		log.Info("InfluxDB sink connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB sink disabled")
	}

	// Firmware update paths: MQTT-commanded pull and LAN HTTP push
	updater := ota.NewUpdater(bootEnv, mqttClient, topics, coordinator, log)
	processor := command.NewProcessor(mqttClient, topics, coordinator, updater, directRestart, log)

	updateServer := ota.NewServer(cfg.Update, bootEnv, coordinator, directRestart, log)
	if err := updateServer.Start(ctx); err != nil {
		return fmt.Errorf("starting update endpoint: %w", err)
	}

	// Session hooks: on every broker session, flush pre-connection logs,
	// publish the retained firmware envelope, route live logs through the
	// relay queue and subscribe to the command topics.
	qos := byte(cfg.MQTT.QoS)
	mqttClient.SetOnConnect(func() {
		if err := forwarder.Flush(mqttClient); err != nil {
			log.Warn("buffered log flush incomplete", "error", err)
		}
		forwarder.AttachQueue(relay.LogQueue())
		publishFirmwareInfo(mqttClient, topics, bootEnv)

		if err := mqttClient.Subscribe(topics.CommandRestart(), qos, processor.HandleRestart); err != nil {
			log.Error("restart command subscription failed", "error", err)
		}
		if err := mqttClient.Subscribe(topics.CommandOTA(), qos, processor.HandleOTA); err != nil {
			log.Error("update command subscription failed", "error", err)
		}

		log.Info("broker session established")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		forwarder.DetachQueue()
		log.Warn("broker session lost", "error", err)
	})

	// Ordered shutdown: stop accepting updates, close the broker session
	// cleanly, drop the wireless link last.
	coordinator.AddStep("update-endpoint", func(context.Context) error {
		return updateServer.Close()
	})
	coordinator.AddStep("mqtt", func(context.Context) error {
		forwarder.DetachQueue()
		return mqttClient.Disconnect()
	})
	coordinator.AddStep("wifi", func(context.Context) error {
		return supplicant.Disconnect()
	})

	// Bring the transport up once the link is established
	if err := wifiManager.WaitForNetwork(ctx); err != nil {
		if ctx.Err() != nil {
			coordinator.Shutdown()
			return nil
		}
		return fmt.Errorf("bringing up network: %w", err)
	}
	if err := mqttClient.Connect(); err != nil {
		// paho keeps retrying in the background; the agent stays up and the
		// pre-connection ring buffer keeps collecting logs.
		log.Error("initial broker connection failed", "error", err)
	}

	log.Info("agent running", "ip", wifiManager.IP())

	<-ctx.Done()
	log.Info("shutdown signal received")
	coordinator.Shutdown()
	return nil
}

// firmwareInfo is the retained envelope describing the running image.
type firmwareInfo struct {
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildDate   string `json:"build_date"`
	RunningSlot string `json:"running_slot"`
	Timestamp   int64  `json:"timestamp"`
}

// publishFirmwareInfo publishes the retained firmware envelope so the
// backend always knows what each device runs.
func publishFirmwareInfo(client *mqtt.Client, topics mqtt.Topics, bootEnv *ota.BootEnv) {
	payload, err := json.Marshal(firmwareInfo{
		Version:     version,
		Commit:      commit,
		BuildDate:   date,
		RunningSlot: string(bootEnv.RunningSlot()),
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	client.PublishRetained(topics.Firmware(), payload)
}

// getConfigPath returns the configuration file path from the environment or
// the default location.
func getConfigPath() string {
	if path := os.Getenv("GRIDMON_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
