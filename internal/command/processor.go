package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/mqtt"
)

// ParseErrorID is the sentinel command id used in error responses when the
// inbound payload had no usable id of its own.
const ParseErrorID = -1

// responseQoS is the QoS for command responses. At-least-once: the backend
// is waiting for these.
const responseQoS = 1

// Publisher is the transport subset the processor needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// RestartScheduler accepts a deferred restart request. Implemented by the
// lifecycle coordinator.
type RestartScheduler interface {
	ScheduleRestart() error
}

// Updater accepts a firmware pull request. Implemented by the OTA updater;
// the download runs asynchronously and reports progress on the update
// response topic.
type Updater interface {
	StartPull(commandID int64, url string)
}

// payload is the wire shape of an inbound command. Pointer fields
// distinguish absent keys from zero values.
type payload struct {
	ID             *int64 `json:"id"`
	AdditionalData *struct {
		URL *string `json:"url"`
	} `json:"additional_data"`
}

// response is the wire shape of a command response.
type response struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// statusNote is the acknowledgement envelope published on the device status
// topic, alongside the structured response. The backend's presence view and
// the command issuer both see the restart coming.
type statusNote struct {
	Status    string `json:"status"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

// Processor validates inbound commands and dispatches them.
type Processor struct {
	pub     Publisher
	topics  mqtt.Topics
	log     *logging.Logger
	restart RestartScheduler
	updater Updater

	// directRestart is the fallback when scheduling a deferred restart is
	// rejected; it restarts immediately without graceful shutdown.
	directRestart func()
}

// NewProcessor creates a command processor.
func NewProcessor(pub Publisher, topics mqtt.Topics, restart RestartScheduler, updater Updater, directRestart func(), log *logging.Logger) *Processor {
	return &Processor{
		pub:           pub,
		topics:        topics,
		log:           log,
		restart:       restart,
		updater:       updater,
		directRestart: directRestart,
	}
}

// HandleRestart processes a restart command. The command is acknowledged
// first, then handed to the lifecycle coordinator so the broker session can
// be closed gracefully before the process restarts.
func (p *Processor) HandleRestart(_ string, raw []byte) error {
	cmd, err := p.parse(raw)
	if err != nil {
		return err
	}

	p.log.Info("restart command received", "command_id", *cmd.ID)
	p.publishStatus("restarting")
	p.respond(p.topics.ResponseRestart(), *cmd.ID, "restarting", "")

	if err := p.restart.ScheduleRestart(); err != nil {
		// A restart is already pending or the coordinator refused; honour
		// the command anyway with an immediate restart.
		p.log.Warn("deferred restart rejected, restarting directly", "error", err)
		if p.directRestart != nil {
			p.directRestart()
		}
	}

	return nil
}

// HandleOTA processes a firmware update command. The url inside
// additional_data names the image to pull; each way the field can be wrong
// gets its own error message so the backend sees exactly what to fix.
func (p *Processor) HandleOTA(_ string, raw []byte) error {
	cmd, err := p.parse(raw)
	if err != nil {
		return err
	}

	id := *cmd.ID
	switch {
	case cmd.AdditionalData == nil:
		p.respond(p.topics.ResponseOTA(), id, "error", "missing additional_data")
		return fmt.Errorf("command %d: missing additional_data", id)
	case cmd.AdditionalData.URL == nil:
		p.respond(p.topics.ResponseOTA(), id, "error", "missing url in additional_data")
		return fmt.Errorf("command %d: missing url in additional_data", id)
	case *cmd.AdditionalData.URL == "":
		p.respond(p.topics.ResponseOTA(), id, "error", "empty url")
		return fmt.Errorf("command %d: empty url", id)
	}

	url := *cmd.AdditionalData.URL
	p.log.Info("update command received", "command_id", id, "url", url)
	p.respond(p.topics.ResponseOTA(), id, "accepted", "")
	p.updater.StartPull(id, url)

	return nil
}

// parse validates the common command envelope. On failure an error response
// with the sentinel id is published to the update response topic and the
// parse error is returned.
func (p *Processor) parse(raw []byte) (*payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		p.respond(p.topics.ResponseOTA(), ParseErrorID, "error", "payload is not a JSON object")
		return nil, fmt.Errorf("payload is not a JSON object")
	}

	var cmd payload
	if err := json.Unmarshal(trimmed, &cmd); err != nil {
		p.respond(p.topics.ResponseOTA(), ParseErrorID, "error", "invalid JSON: "+err.Error())
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if cmd.ID == nil {
		p.respond(p.topics.ResponseOTA(), ParseErrorID, "error", "missing numeric id")
		return nil, fmt.Errorf("missing numeric id")
	}

	return &cmd, nil
}

// publishStatus publishes an acknowledgement on the device status topic.
func (p *Processor) publishStatus(status string) {
	body, err := json.Marshal(statusNote{
		Status:    status,
		DeviceID:  p.topics.DeviceID(),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := p.pub.Publish(p.topics.Status(), body, responseQoS, false); err != nil {
		p.log.Warn("status publish failed", "error", err)
	}
}

// respond publishes a command response.
func (p *Processor) respond(topic string, id int64, status, errMsg string) {
	body, err := json.Marshal(response{ID: id, Status: status, Error: errMsg})
	if err != nil {
		return
	}
	if err := p.pub.Publish(topic, body, responseQoS, false); err != nil {
		p.log.Warn("command response publish failed", "topic", topic, "error", err)
	}
}
