package ota

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/mqtt"
)

// pullChunkSize is the read granularity for downloaded images.
const pullChunkSize = 1024

// progressStep is the minimum progress delta between reports, in percent.
const progressStep = 5

// pullTimeout bounds the whole image download.
const pullTimeout = 5 * time.Minute

// updateResponseQoS is the QoS for update progress and result messages.
const updateResponseQoS = 1

// Publisher is the transport subset the updater needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// RestartScheduler requests the deferred restart that boots the new image.
type RestartScheduler interface {
	ScheduleRestart() error
}

// updateStatus is the wire shape of update progress and result messages,
// published on the update response topic.
type updateStatus struct {
	ID       int64  `json:"id"`
	Session  string `json:"session"`
	Status   string `json:"status"`
	Progress int    `json:"progress,omitempty"`
	Received int64  `json:"received,omitempty"`
	Total    int64  `json:"total,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Updater downloads firmware images named by MQTT update commands.
//
// One update runs at a time; a command arriving mid-download is refused
// with an error response rather than queued.
type Updater struct {
	env     *BootEnv
	pub     Publisher
	topics  mqtt.Topics
	restart RestartScheduler
	log     *logging.Logger
	client  *http.Client

	mu         sync.Mutex
	inProgress bool
}

// NewUpdater creates the pull-path updater.
func NewUpdater(env *BootEnv, pub Publisher, topics mqtt.Topics, restart RestartScheduler, log *logging.Logger) *Updater {
	return &Updater{
		env:     env,
		pub:     pub,
		topics:  topics,
		restart: restart,
		log:     log,
		client:  &http.Client{Timeout: pullTimeout},
	}
}

// StartPull begins downloading the image at url in its own goroutine.
// Progress and the final result are reported on the update response topic
// under the command's id.
func (u *Updater) StartPull(commandID int64, url string) {
	u.mu.Lock()
	if u.inProgress {
		u.mu.Unlock()
		u.report(updateStatus{ID: commandID, Status: "error", Error: ErrUpdateInProgress.Error()})
		return
	}
	u.inProgress = true
	u.mu.Unlock()

	go func() {
		defer func() {
			u.mu.Lock()
			u.inProgress = false
			u.mu.Unlock()
		}()
		u.pull(commandID, url)
	}()
}

// pull performs one download into the inactive slot and, on success, moves
// the boot selector and schedules the restart.
func (u *Updater) pull(commandID int64, url string) {
	session := uuid.New().String()
	u.log.Info("firmware pull starting", "command_id", commandID, "session", session, "url", url)

	resp, err := u.client.Get(url)
	if err != nil {
		u.fail(commandID, session, fmt.Sprintf("fetching image: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		u.fail(commandID, session, fmt.Sprintf("fetching image: unexpected status %s", resp.Status))
		return
	}

	total := resp.ContentLength
	if total <= 0 {
		// Without a length there is no way to verify completeness; refuse
		// before any slot is touched.
		u.fail(commandID, session, "server did not announce image length")
		return
	}

	slot := u.env.NextUpdateSlot()
	ws, err := u.env.Begin(slot)
	if err != nil {
		u.fail(commandID, session, fmt.Sprintf("opening slot %s: %v", slot, err))
		return
	}

	received, err := u.copyImage(ws, resp.Body, commandID, session, total)
	if err != nil {
		ws.Abort()
		u.fail(commandID, session, err.Error())
		return
	}
	if received != total {
		ws.Abort()
		u.fail(commandID, session, fmt.Sprintf("%v: %d/%d bytes", ErrDownloadIncomplete, received, total))
		return
	}

	if err := ws.Finalize(); err != nil {
		u.fail(commandID, session, fmt.Sprintf("finalizing image: %v", err))
		return
	}
	if err := u.env.SetBootSlot(slot); err != nil {
		u.fail(commandID, session, fmt.Sprintf("selecting boot slot: %v", err))
		return
	}

	u.log.Info("firmware pull complete", "command_id", commandID, "session", session, "bytes", received, "slot", slot)
	u.report(updateStatus{ID: commandID, Session: session, Status: "success", Received: received, Total: total})

	if err := u.restart.ScheduleRestart(); err != nil {
		u.log.Warn("restart scheduling after update failed", "error", err)
	}
}

// copyImage streams the response body into the write session, reporting
// progress at most every progressStep percent and yielding between chunks so
// the download never monopolises a CPU.
func (u *Updater) copyImage(ws *WriteSession, body io.Reader, commandID int64, session string, total int64) (int64, error) {
	buf := make([]byte, pullChunkSize)
	lastReported := 0

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := ws.Write(buf[:n]); werr != nil {
				return ws.BytesWritten(), werr
			}

			pct := int(ws.BytesWritten() * 100 / total)
			if pct >= lastReported+progressStep {
				lastReported = pct
				u.report(updateStatus{
					ID:       commandID,
					Session:  session,
					Status:   "progress",
					Progress: pct,
					Received: ws.BytesWritten(),
					Total:    total,
				})
			}
		}
		if err == io.EOF {
			return ws.BytesWritten(), nil
		}
		if err != nil {
			return ws.BytesWritten(), fmt.Errorf("reading image: %w", err)
		}

		runtime.Gosched()
	}
}

// fail logs and reports a failed update.
func (u *Updater) fail(commandID int64, session, msg string) {
	u.log.Error("firmware pull failed", "command_id", commandID, "session", session, "error", msg)
	u.report(updateStatus{ID: commandID, Session: session, Status: "error", Error: msg})
}

// report publishes an update status message.
func (u *Updater) report(st updateStatus) {
	body, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := u.pub.Publish(u.topics.ResponseOTA(), body, updateResponseQoS, false); err != nil {
		u.log.Warn("update status publish failed", "error", err)
	}
}
