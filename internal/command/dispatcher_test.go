package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e3-lab/beammon/internal/db"
	"github.com/e3-lab/beammon/internal/monitoring"
	"github.com/e3-lab/beammon/internal/scan"
	"github.com/e3-lab/beammon/internal/session"
	"github.com/e3-lab/beammon/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// scriptTransport replays queued commands and records replies. Recv
// reports a closed transport once the queue is empty.
type scriptTransport struct {
	mu  sync.Mutex
	in  []string
	out []string
}

func (s *scriptTransport) push(lines ...string) {
	s.mu.Lock()
	s.in = append(s.in, lines...)
	s.mu.Unlock()
}

func (s *scriptTransport) Recv(context.Context) (string, error) {
	if line, ok := s.TryRecv(); ok {
		return line, nil
	}
	return "", ErrTransportClosed
}

func (s *scriptTransport) TryRecv() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.in) == 0 {
		return "", false
	}
	line := s.in[0]
	s.in = s.in[1:]
	return line, true
}

func (s *scriptTransport) Send(line string) error {
	s.mu.Lock()
	s.out = append(s.out, line)
	s.mu.Unlock()
	return nil
}

func (s *scriptTransport) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.out...)
}

type commandLog struct{ records []db.CommandRecord }

func (l *commandLog) RecordCommand(c db.CommandRecord) (int64, error) {
	l.records = append(l.records, c)
	return int64(len(l.records)), nil
}

type rig struct {
	d       *Dispatcher
	ctl     *session.Controller
	engine  *scan.Scripted
	tr      *scriptTransport
	clock   *timeutil.MockClock
	journal *commandLog
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		engine:  scan.NewScripted(),
		tr:      &scriptTransport{},
		clock:   timeutil.NewMockClock(time.Unix(1700000000, 0)),
		journal: &commandLog{},
	}
	ctl, err := session.NewController(session.Config{Engine: r.engine, Clock: r.clock})
	require.NoError(t, err)
	t.Cleanup(ctl.Close)
	r.ctl = ctl
	r.d, err = NewDispatcher(Config{Controller: ctl, Transport: r.tr, Journal: r.journal, Clock: r.clock})
	require.NoError(t, err)
	return r
}

func (r *rig) run(t *testing.T, lines ...string) []string {
	t.Helper()
	r.tr.push(lines...)
	require.NoError(t, r.d.Run(context.Background()))
	return r.tr.sent()
}

func assertReplies(t *testing.T, want, got []string) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestNewDispatcherValidates(t *testing.T) {
	_, err := NewDispatcher(Config{})
	assert.Error(t, err)
}

func TestInitEngineFailureRepliesOnce(t *testing.T) {
	r := newRig(t)
	r.engine.Failures = map[scan.Kind]error{scan.DigitalScan: errors.New("no FE")}

	got := r.run(t, "init")
	assertReplies(t, []string{
		"start initializing",
		"voltage channel 1 = unavailable",
		"voltage channel 2 = unavailable",
		"Failed to initialize",
	}, got)
	assert.Equal(t, session.Idle, r.ctl.Mode())
}

func TestUnknownCommandIsSilent(t *testing.T) {
	r := newRig(t)
	assert.Empty(t, r.run(t, "bogus", "  "))
	require.Len(t, r.journal.records, 2)
	assert.Equal(t, "bogus", r.journal.records[0].Command)
	assert.Empty(t, r.journal.records[0].Replies)
}

func TestFrameRatePrompt(t *testing.T) {
	r := newRig(t)
	got := r.run(t, "framerate", "abc")
	assertReplies(t, []string{"old framerate:10", "input new framerate:", "invalid input"}, got)
	assert.Equal(t, 0.1, r.ctl.IntegrationTime())

	require.Len(t, r.journal.records, 1)
	assert.Equal(t, []string{"old framerate:10", "input new framerate:", "invalid input"}, r.journal.records[0].Replies)
}

func TestInlineArguments(t *testing.T) {
	r := newRig(t)
	got := r.run(t, "FrameRate 20", "threshold 60")
	assertReplies(t, []string{"new framerate:20", "new threshold:60", "press 'Tune' to tune"}, got)
	assert.Equal(t, 0.05, r.ctl.IntegrationTime())
	assert.Equal(t, 60, r.ctl.TargetThreshold())
}

func TestStartStopCaseInsensitive(t *testing.T) {
	r := newRig(t)
	got := r.run(t, "START", "start", "STOP", "stop")
	assertReplies(t, []string{
		"fei4_self_trigger_scan", "RUNNING",
		"fei4_self_trigger_scan Run Stopped",
	}, got)
	assert.Equal(t, session.Idle, r.ctl.Mode())
	assert.Equal(t, "idle", r.journal.records[3].ModeAfter)
}

func TestRefreshReportsFinishedScan(t *testing.T) {
	r := newRig(t)
	r.run(t, "sdigital")
	r.engine.Finish(scan.StatusFinished)

	got := r.run(t, "analyze")
	assertReplies(t, []string{"Start Digital Scan", "Scan finished: digital_scan", "analysis off"}, got)
}

func TestTuneLoop(t *testing.T) {
	r := newRig(t)
	r.clock.OnSleep(func(n int) {
		switch n {
		case 1:
			r.engine.Finish(scan.StatusFinished)
		case 2:
			r.tr.push("status")
		case 3:
			r.engine.Finish(scan.StatusFinished)
		}
	})

	got := r.run(t, "TUNE")
	assertReplies(t, []string{
		"Start GdacTuning",
		"Scan finished: gdac_tuning",
		"Start TdacTuning",
		"voltage channel 1 = unavailable",
		"voltage channel 2 = unavailable",
		"tdac_tuning",
		"RUNNING",
		"mode: tdac_tuning",
		"Scan finished: tdac_tuning",
	}, got)
	assert.Equal(t, session.Idle, r.ctl.Mode())
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, r.clock.Sleeps())
}

func TestFixLoopStop(t *testing.T) {
	r := newRig(t)
	r.clock.OnSleep(func(n int) {
		if n == 1 {
			r.tr.push("init", "stop")
		}
	})

	got := r.run(t, "fix")
	assertReplies(t, []string{
		"starting Noise Occupancy Tuning (~2min)",
		"init ignored: noise_occ_tuning in progress",
		"noise_occupancy_tuning Run Stopped",
	}, got)
	assert.Equal(t, session.Idle, r.ctl.Mode())
	assert.Len(t, r.engine.Runs(), 1)
}

func TestExitDuringTuning(t *testing.T) {
	tests := []struct {
		command string
		want    []string
	}{
		{"tune", []string{
			"Start GdacTuning",
			"gdac_tuning Run Stopped",
			"Program terminates",
		}},
		{"fix", []string{
			"starting Noise Occupancy Tuning (~2min)",
			"noise_occupancy_tuning Run Stopped",
			"Program terminates",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			r := newRig(t)
			r.clock.OnSleep(func(n int) {
				switch n {
				case 1:
					r.tr.push("exit", "status")
				case 2, 3:
					r.engine.Finish(scan.StatusFinished)
				}
			})

			got := r.run(t, tt.command)
			assertReplies(t, tt.want, got)
			assert.Equal(t, session.Terminated, r.ctl.Mode())
			assert.Len(t, r.engine.Runs(), 1, "second stage started after exit")
			assert.Len(t, r.engine.Cancelled(), 1)

			// Run returned at exit; the next command is still queued.
			line, ok := r.tr.TryRecv()
			assert.True(t, ok)
			assert.Equal(t, "status", line)

			require.Len(t, r.journal.records, 1)
			assert.Equal(t, tt.command, r.journal.records[0].Command)
			assert.Equal(t, "terminated", r.journal.records[0].ModeAfter)
		})
	}
}

func TestBusyReplyDuringTuning(t *testing.T) {
	r := newRig(t)
	r.clock.OnSleep(func(n int) {
		switch n {
		case 1:
			r.tr.push("poweroff")
		case 2:
			r.tr.push("bogus")
		case 3:
			r.engine.Finish(scan.StatusFinished)
		case 4:
			r.engine.Finish(scan.StatusFinished)
		}
	})

	got := r.run(t, "tune")
	assertReplies(t, []string{
		"Start GdacTuning",
		"poweroff ignored: gdac_tuning in progress",
		"Scan finished: gdac_tuning",
		"Start TdacTuning",
		"Scan finished: tdac_tuning",
	}, got)
	assert.Equal(t, session.Idle, r.ctl.Mode())
}

func TestHandlerPanicBecomesReply(t *testing.T) {
	r := newRig(t)
	r.engine.Panics = map[scan.Kind]string{scan.SelfTriggerScan: "boom"}

	got := r.run(t, "start", "status")
	require.NotEmpty(t, got)
	assert.Equal(t, "Failed to start: boom", got[0])
	assert.Contains(t, got, "Status=None")
}

func TestExitEndsLoop(t *testing.T) {
	r := newRig(t)
	got := r.run(t, "startext", "exit", "status")
	assertReplies(t, []string{
		"ext_trigger_scan", "RUNNING",
		"ext_trigger_scan Run Stopped",
		"Program terminates",
	}, got)
	assert.Equal(t, session.Terminated, r.ctl.Mode())

	// The command after exit is still queued.
	line, ok := r.tr.TryRecv()
	assert.True(t, ok)
	assert.Equal(t, "status", line)
}

func TestRunReturnsContextError(t *testing.T) {
	r := newRig(t)
	tr := NewLineServer("127.0.0.1:0")
	d, err := NewDispatcher(Config{Controller: r.ctl, Transport: tr})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Run(ctx), context.Canceled)
}

func TestCommandsTable(t *testing.T) {
	r := newRig(t)
	assert.ElementsMatch(t, []string{
		"init", "start", "startself", "startext", "stop", "exit", "tune", "fix",
		"sanalog", "sdigital", "poweron", "poweroff", "status", "framerate",
		"threshold", "analyse", "analyze",
	}, r.d.Commands())
}
