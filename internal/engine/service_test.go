package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stemdeck/internal/cancel"
	"github.com/mattjoyce/stemdeck/internal/config"
	"github.com/mattjoyce/stemdeck/internal/dispatch"
	"github.com/mattjoyce/stemdeck/internal/events"
	"github.com/mattjoyce/stemdeck/internal/joblog"
	"github.com/mattjoyce/stemdeck/internal/protocol"
	"github.com/mattjoyce/stemdeck/internal/runner"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []joblog.Entry
}

func (m *memRecorder) Record(_ context.Context, e joblog.Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return e.ID, nil
}

func (m *memRecorder) byCommand(cmd string) []joblog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []joblog.Entry
	for _, e := range m.entries {
		if e.Command == cmd {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc        *Service
	hub        *events.Hub
	rec        *memRecorder
	defaultDir string
}

// newFixture builds a Service over a shell script engine. The script receives
// the command as $1 and its parameters after it.
func newFixture(t *testing.T, script string) *fixture {
	t.Helper()
	return newFixtureWith(t, script, nil)
}

func newFixtureWith(t *testing.T, script string, configure func(*Options)) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engines require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	hub := events.NewHub(256)
	rec := &memRecorder{}
	f := &fixture{hub: hub, rec: rec, defaultDir: t.TempDir()}
	opts := Options{
		Runner:             runner.New(dispatch.New(config.EngineConfig{Mode: config.EngineModeBinary, Binary: path})),
		Events:             events.NewForwarder(hub),
		Recorder:           rec,
		DefaultDownloadDir: f.defaultDir,
		CancelGrace:        200 * time.Millisecond,
	}
	if configure != nil {
		configure(&opts)
	}
	f.svc = New(opts)
	t.Cleanup(f.svc.Close)
	return f
}

func (f *fixture) eventsOf(topic string) []events.Event {
	var out []events.Event
	for _, ev := range f.hub.SnapshotSince(0) {
		if ev.Type == topic {
			out = append(out, ev)
		}
	}
	return out
}

func TestValidateURL(t *testing.T) {
	f := newFixture(t, `case "$1" in
validate_url) echo "{\"success\": true, \"title\": \"Song\", \"duration\": 201, \"uploader\": \"Band\", \"url\": \"$2\"}" ;;
*) exit 2 ;;
esac`)

	res := f.svc.ValidateURL(context.Background(), "https://example.com/watch?v=1")

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Song", res.Title)
	assert.Equal(t, float64(201), res.Duration)
	assert.Equal(t, "Band", res.Uploader)
	assert.NotEmpty(t, res.JobID)

	done := f.eventsOf(events.TopicJobCompleted)
	require.Len(t, done, 1)
	var ce events.CompletedEvent
	require.NoError(t, json.Unmarshal(done[0].Data, &ce))
	assert.Equal(t, res.JobID, ce.JobID)
	assert.Equal(t, protocol.CmdValidateURL, ce.Command)

	entries := f.rec.byCommand(protocol.CmdValidateURL)
	require.Len(t, entries, 1)
	assert.Equal(t, joblog.StatusSucceeded, entries[0].Status)
	assert.Equal(t, []string{"https://example.com/watch?v=1"}, entries[0].Args)
}

func TestValidateURL_RequiresURL(t *testing.T) {
	f := newFixture(t, `exit 1`)

	res := f.svc.ValidateURL(context.Background(), "  ")
	assert.False(t, res.Success)
	assert.Equal(t, "Missing required options: url", res.Error)
	assert.Empty(t, f.rec.byCommand(protocol.CmdValidateURL), "nothing spawned")
}

func TestValidateURL_EngineFailure(t *testing.T) {
	f := newFixture(t, `echo "disk full" >&2
exit 3`)

	res := f.svc.ValidateURL(context.Background(), "https://example.com")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "3")
	assert.Contains(t, res.Error, "disk full")

	entries := f.rec.byCommand(protocol.CmdValidateURL)
	require.Len(t, entries, 1)
	assert.Equal(t, joblog.StatusFailed, entries[0].Status)
	require.NotNil(t, entries[0].ExitCode)
	assert.Equal(t, 3, *entries[0].ExitCode)
}

func TestGetSettings(t *testing.T) {
	f := newFixture(t, `echo '{"success": true, "download_path": "/music"}'`)

	res := f.svc.GetSettings(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, "/music", res.DownloadPath)
}

func TestGetSettings_FallsBackToDefault(t *testing.T) {
	f := newFixture(t, `exit 1`)

	res := f.svc.GetSettings(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, f.defaultDir, res.DownloadPath)
}

func TestDownloadAudio_RequiresFields(t *testing.T) {
	f := newFixture(t, `exit 1`)

	res := f.svc.DownloadAudio(context.Background(), DownloadRequest{URL: "u", OutputDir: "/out"})
	assert.False(t, res.Success)
	assert.Equal(t, "Missing required options: format, quality", res.Error)
}

func TestDownloadAudio_ForwardsProgressAndSavesDirectory(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "saved")
	f := newFixture(t, `case "$1" in
download_audio)
  printf 'PROGRESS: {"status": "downloading", "percent": 25, "filename": "/tmp/x"}\n' >&2
  printf 'PROGRESS: {"percent": 75, "speed": 1024, "eta": 2}\n' >&2
  printf 'PROGRESS: {"status": "converting", "percent": 100}\n' >&2
  echo "{\"success\": true, \"title\": \"Song\", \"path\": \"$3/Song.$4\", \"filename\": \"Song.$4\"}"
  ;;
save_settings)
  printf '%s' "$2" > '`+marker+`'
  echo '{"success": true}'
  ;;
esac`)
	out := t.TempDir()

	res := f.svc.DownloadAudio(context.Background(), DownloadRequest{
		URL: "https://example.com/v", OutputDir: out, Format: "mp3", Quality: "high",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, filepath.Join(out, "Song.mp3"), res.Path)

	var got []protocol.Progress
	for _, ev := range f.eventsOf(events.TopicDownloadProgress) {
		var pe events.ProgressEvent
		require.NoError(t, json.Unmarshal(ev.Data, &pe))
		assert.Equal(t, res.JobID, pe.JobID)
		got = append(got, pe.Progress)
	}
	assert.Equal(t, []protocol.Progress{
		{Status: "downloading", Percent: 25},
		{Status: "downloading", Percent: 75, Speed: 1024, ETA: 2},
		{Status: "converting", Percent: 100},
	}, got)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Wait(ctx))
	saved, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, out, string(saved))
}

func TestRun_ForwardsEngineProgress(t *testing.T) {
	f := newFixture(t, `printf 'PROGRESS: {"status": "probing", "percent": 50}\n' >&2
echo "{\"success\": true, \"title\": \"$2\"}"`)

	res := f.svc.Run(context.Background(), "probe", "clip")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "clip", res.Title)

	prog := f.eventsOf(events.TopicEngineProgress)
	require.Len(t, prog, 1)
	var pe events.ProgressEvent
	require.NoError(t, json.Unmarshal(prog[0].Data, &pe))
	assert.Equal(t, res.JobID, pe.JobID)
	assert.Equal(t, protocol.Progress{Status: "probing", Percent: 50}, pe.Progress)
	require.Len(t, f.rec.byCommand("probe"), 1)
}

func TestDownloadAudio_FailureDoesNotSave(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "saved")
	f := newFixture(t, `case "$1" in
download_audio) echo '{"success": false, "error": "Video unavailable"}' ;;
save_settings) touch '`+marker+`'; echo '{"success": true}' ;;
esac`)

	res := f.svc.DownloadAudio(context.Background(), DownloadRequest{
		URL: "https://example.com/v", OutputDir: t.TempDir(), Format: "wav", Quality: "low",
	})
	assert.False(t, res.Success)
	assert.Equal(t, "Video unavailable", res.Error)

	require.NoError(t, f.svc.Wait(context.Background()))
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, joblog.StatusFailed, f.rec.byCommand(protocol.CmdDownloadAudio)[0].Status)
}

func TestSeparateAudio_MissingInput(t *testing.T) {
	f := newFixture(t, `exit 1`)
	in := filepath.Join(t.TempDir(), "nope.mp3")

	res := f.svc.SeparateAudio(context.Background(), SeparateRequest{InputPath: in, OutputDir: t.TempDir()})
	assert.False(t, res.Success)
	assert.Equal(t, "Audio file not found: "+in, res.Error)
}

func TestSeparateAudio_DerivesStems(t *testing.T) {
	f := newFixture(t, `case "$1" in
separate_audio)
  printf 'PROGRESS: {"status": "separating", "percent": 50}\n' >&2
  echo "{\"success\": true, \"format\": \"$3\"}"
  ;;
esac`)
	in := filepath.Join(t.TempDir(), "My Song.mp3")
	require.NoError(t, os.WriteFile(in, []byte("audio"), 0o644))
	out := filepath.Join(t.TempDir(), "stems", "nested")

	res := f.svc.SeparateAudio(context.Background(), SeparateRequest{InputPath: in, OutputDir: out})

	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Files)
	assert.Equal(t, filepath.Join(out, "My Song", "vocals.wav"), res.Files.Vocals)
	assert.Equal(t, filepath.Join(out, "My Song", "no_vocals.wav"), res.Files.Instrumental)
	assert.DirExists(t, out)
	assert.Len(t, f.eventsOf(events.TopicSeparationProgress), 1)

	_, active := f.svc.ActiveJob()
	assert.False(t, active, "slot released after completion")

	entries := f.rec.byCommand(protocol.CmdSeparateAudio)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{in, DefaultSeparationFormat, out}, entries[0].Args)
}

func TestSeparateAudio_RejectsSecondAndCancels(t *testing.T) {
	f := newFixture(t, `case "$1" in
separate_audio) sleep 30 ;;
esac`)
	in := filepath.Join(t.TempDir(), "a.mp3")
	require.NoError(t, os.WriteFile(in, []byte("audio"), 0o644))

	first := make(chan protocol.BoundaryResult, 1)
	go func() {
		first <- f.svc.SeparateAudio(context.Background(), SeparateRequest{InputPath: in, OutputDir: t.TempDir()})
	}()
	require.Eventually(t, func() bool {
		_, ok := f.svc.ActiveJob()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	jobID, _ := f.svc.ActiveJob()

	second := f.svc.SeparateAudio(context.Background(), SeparateRequest{InputPath: in, OutputDir: t.TempDir()})
	assert.False(t, second.Success)
	assert.Equal(t, MsgSeparationBusy, second.Error)

	c := f.svc.CancelSeparation()
	require.True(t, c.OK, c.Error)
	assert.Equal(t, jobID, c.JobID)

	var res protocol.BoundaryResult
	select {
	case res = <-first:
	case <-time.After(10 * time.Second):
		t.Fatal("separation did not resolve after cancel")
	}
	assert.False(t, res.Success)
	assert.True(t, res.Cancelled)
	assert.Equal(t, MsgSeparationCancelled, res.Error)
	assert.Nil(t, res.Files)

	assert.Len(t, f.eventsOf(events.TopicSeparationCancelled), 1)
	entries := f.rec.byCommand(protocol.CmdSeparateAudio)
	require.Len(t, entries, 1)
	assert.Equal(t, joblog.StatusCancelled, entries[0].Status)

	after := f.svc.CancelSeparation()
	assert.False(t, after.OK)
	assert.Equal(t, "no active process", after.Error)
}

func TestSeparateAudio_CancelEscalatesWhenTermIgnored(t *testing.T) {
	f := newFixture(t, `trap '' TERM
case "$1" in
separate_audio) sleep 30 ;;
esac`)
	in := filepath.Join(t.TempDir(), "a.mp3")
	require.NoError(t, os.WriteFile(in, []byte("audio"), 0o644))

	first := make(chan protocol.BoundaryResult, 1)
	go func() {
		first <- f.svc.SeparateAudio(context.Background(), SeparateRequest{InputPath: in, OutputDir: t.TempDir()})
	}()
	require.Eventually(t, func() bool {
		_, ok := f.svc.ActiveJob()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, f.svc.CancelSeparation().OK)

	select {
	case res := <-first:
		assert.True(t, res.Cancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("separation was not killed after grace period")
	}
}

// slowClock delays arming the escalation timer, as a loaded scheduler might
// after SIGTERM has already been sent.
type slowClock struct{}

func (slowClock) AfterFunc(d time.Duration, f func()) cancel.Timer {
	time.Sleep(300 * time.Millisecond)
	return time.AfterFunc(d, f)
}

func TestSeparateAudio_CancelAckPrecedesCompletion(t *testing.T) {
	f := newFixtureWith(t, `case "$1" in
separate_audio) sleep 30 ;;
esac`, func(o *Options) {
		o.Clock = slowClock{}
		o.CancelGrace = 5 * time.Second
	})
	in := filepath.Join(t.TempDir(), "a.mp3")
	require.NoError(t, os.WriteFile(in, []byte("audio"), 0o644))

	first := make(chan protocol.BoundaryResult, 1)
	go func() {
		first <- f.svc.SeparateAudio(context.Background(), SeparateRequest{InputPath: in, OutputDir: t.TempDir()})
	}()
	require.Eventually(t, func() bool {
		_, ok := f.svc.ActiveJob()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, f.svc.CancelSeparation().OK)
	select {
	case res := <-first:
		require.True(t, res.Cancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("separation did not resolve after cancel")
	}

	var order []string
	for _, ev := range f.hub.SnapshotSince(0) {
		order = append(order, ev.Type)
	}
	require.GreaterOrEqual(t, len(order), 2, "%v", order)
	assert.Equal(t, []string{events.TopicSeparationCancelled, events.TopicJobCompleted}, order[len(order)-2:], "%v", order)
}

func TestCancelSeparation_NothingRunning(t *testing.T) {
	f := newFixture(t, `exit 0`)

	res := f.svc.CancelSeparation()
	assert.False(t, res.OK)
	assert.Equal(t, "no active process", res.Error)
	assert.Empty(t, f.eventsOf(events.TopicSeparationCancelled))
}

func TestToBoundary(t *testing.T) {
	tests := []struct {
		name string
		o    runner.Outcome
		want protocol.BoundaryResult
	}{
		{
			name: "engine success",
			o:    runner.Outcome{JobID: "j", Kind: runner.KindSuccess, Payload: map[string]any{"success": true, "title": "T"}},
			want: protocol.BoundaryResult{Success: true, Title: "T", JobID: "j"},
		},
		{
			name: "engine reported failure without text",
			o:    runner.Outcome{JobID: "j", Kind: runner.KindSuccess, Payload: map[string]any{"success": false}},
			want: protocol.BoundaryResult{Error: "Unknown error", JobID: "j"},
		},
		{
			name: "engine cannot claim cancellation",
			o:    runner.Outcome{JobID: "j", Kind: runner.KindSuccess, Payload: map[string]any{"success": true, "cancelled": true}},
			want: protocol.BoundaryResult{Success: true, JobID: "j"},
		},
		{
			name: "process failure",
			o:    runner.Outcome{JobID: "j", Kind: runner.KindFailure, Message: "no parseable result"},
			want: protocol.BoundaryResult{Error: "no parseable result", JobID: "j"},
		},
		{
			name: "cancelled",
			o:    runner.Outcome{JobID: "j", Kind: runner.KindCancelled, Message: runner.MsgCancelled},
			want: protocol.BoundaryResult{Cancelled: true, Error: runner.MsgCancelled, JobID: "j"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toBoundary(tt.o, ""))
		})
	}
}
