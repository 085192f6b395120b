package command

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/mqtt"
)

type recordedResponse struct {
	topic string
	resp  response
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []recordedResponse
}

func (p *recordingPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	var r response
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, recordedResponse{topic: topic, resp: r})
	return nil
}

func (p *recordingPublisher) byTopic(topic string) (recordedResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.calls {
		if c.topic == topic {
			return c, true
		}
	}
	return recordedResponse{}, false
}

func (p *recordingPublisher) last() (recordedResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return recordedResponse{}, false
	}
	return p.calls[len(p.calls)-1], true
}

type fakeScheduler struct {
	calls int
	err   error
}

func (s *fakeScheduler) ScheduleRestart() error {
	s.calls++
	return s.err
}

type fakeUpdater struct {
	commandID int64
	url       string
	calls     int
}

func (u *fakeUpdater) StartPull(commandID int64, url string) {
	u.calls++
	u.commandID = commandID
	u.url = url
}

type fixture struct {
	proc      *Processor
	pub       *recordingPublisher
	scheduler *fakeScheduler
	updater   *fakeUpdater
	restarted bool
}

func newFixture(schedErr error) *fixture {
	f := &fixture{
		pub:       &recordingPublisher{},
		scheduler: &fakeScheduler{err: schedErr},
		updater:   &fakeUpdater{},
	}
	f.proc = NewProcessor(
		f.pub,
		mqtt.NewTopics("open_grid_monitor", "aabbccddeeff"),
		f.scheduler,
		f.updater,
		func() { f.restarted = true },
		logging.Default(),
	)
	return f
}

func TestHandleRestart(t *testing.T) {
	f := newFixture(nil)

	if err := f.proc.HandleRestart("", []byte(`{"id":5}`)); err != nil {
		t.Fatalf("HandleRestart() error = %v", err)
	}

	last, ok := f.pub.last()
	if !ok {
		t.Fatal("no response published")
	}
	if last.topic != "open_grid_monitor/aabbccddeeff/responses/restart" {
		t.Errorf("topic = %q", last.topic)
	}
	if last.resp.ID != 5 || last.resp.Status != "restarting" {
		t.Errorf("response = %+v", last.resp)
	}

	// The restart is deferred, never executed inline.
	if f.scheduler.calls != 1 {
		t.Errorf("ScheduleRestart calls = %d, want 1", f.scheduler.calls)
	}
	if f.restarted {
		t.Error("direct restart fired despite successful scheduling")
	}
}

func TestHandleRestartAcksOnStatusTopic(t *testing.T) {
	f := newFixture(nil)

	if err := f.proc.HandleRestart("", []byte(`{"id":5}`)); err != nil {
		t.Fatalf("HandleRestart() error = %v", err)
	}

	// The presence view on the status topic announces the restart, in
	// addition to the structured id echo on the response topic.
	ack, ok := f.pub.byTopic("open_grid_monitor/aabbccddeeff/status")
	if !ok {
		t.Fatal("no acknowledgement on the status topic")
	}
	if ack.resp.Status != "restarting" {
		t.Errorf("status = %q, want %q", ack.resp.Status, "restarting")
	}
	if _, ok := f.pub.byTopic("open_grid_monitor/aabbccddeeff/responses/restart"); !ok {
		t.Error("no structured response on the restart response topic")
	}
}

func TestHandleRestartFallsBackWhenScheduleRejected(t *testing.T) {
	f := newFixture(errRejected)

	if err := f.proc.HandleRestart("", []byte(`{"id":9}`)); err != nil {
		t.Fatalf("HandleRestart() error = %v", err)
	}
	if !f.restarted {
		t.Error("direct restart fallback did not fire")
	}
}

var errRejected = &rejectedError{}

type rejectedError struct{}

func (*rejectedError) Error() string { return "restart already pending" }

func TestHandleOTA(t *testing.T) {
	f := newFixture(nil)

	raw := []byte(`{"id":7,"additional_data":{"url":"http://backend.local/fw.img"}}`)
	if err := f.proc.HandleOTA("", raw); err != nil {
		t.Fatalf("HandleOTA() error = %v", err)
	}

	if f.updater.calls != 1 {
		t.Fatalf("StartPull calls = %d, want 1", f.updater.calls)
	}
	if f.updater.commandID != 7 {
		t.Errorf("commandID = %d, want 7", f.updater.commandID)
	}
	if f.updater.url != "http://backend.local/fw.img" {
		t.Errorf("url = %q", f.updater.url)
	}

	last, _ := f.pub.last()
	if last.resp.Status != "accepted" || last.resp.ID != 7 {
		t.Errorf("response = %+v", last.resp)
	}
}

func TestHandleOTAFieldErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "missing additional_data",
			raw:     `{"id":3}`,
			wantErr: "missing additional_data",
		},
		{
			name:    "missing url",
			raw:     `{"id":3,"additional_data":{}}`,
			wantErr: "missing url in additional_data",
		},
		{
			name:    "empty url",
			raw:     `{"id":3,"additional_data":{"url":""}}`,
			wantErr: "empty url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)

			if err := f.proc.HandleOTA("", []byte(tt.raw)); err == nil {
				t.Fatal("HandleOTA() = nil, want error")
			}
			if f.updater.calls != 0 {
				t.Errorf("StartPull called for invalid command")
			}

			last, ok := f.pub.last()
			if !ok {
				t.Fatal("no error response published")
			}
			if last.topic != "open_grid_monitor/aabbccddeeff/responses/ota" {
				t.Errorf("topic = %q", last.topic)
			}
			if last.resp.ID != 3 {
				t.Errorf("id = %d, want 3 (command id preserved)", last.resp.ID)
			}
			if last.resp.Status != "error" || last.resp.Error != tt.wantErr {
				t.Errorf("response = %+v, want error %q", last.resp, tt.wantErr)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty payload", ""},
		{"not an object", "restart please"},
		{"truncated JSON", `{"id":5`},
		{"missing id", `{"additional_data":{"url":"http://x"}}`},
		{"non-numeric id", `{"id":"five"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)

			if err := f.proc.HandleRestart("", []byte(tt.raw)); err == nil {
				t.Fatal("HandleRestart() = nil, want parse error")
			}

			// Parse failures always report on the update response topic with
			// the sentinel id.
			last, ok := f.pub.last()
			if !ok {
				t.Fatal("no error response published")
			}
			if last.topic != "open_grid_monitor/aabbccddeeff/responses/ota" {
				t.Errorf("topic = %q", last.topic)
			}
			if last.resp.ID != ParseErrorID {
				t.Errorf("id = %d, want %d", last.resp.ID, ParseErrorID)
			}
			if last.resp.Status != "error" {
				t.Errorf("status = %q", last.resp.Status)
			}

			if f.scheduler.calls != 0 {
				t.Error("scheduler invoked for malformed command")
			}
		})
	}
}
