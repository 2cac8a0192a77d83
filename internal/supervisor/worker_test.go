package supervisor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerEnv_Allowlist(t *testing.T) {
	t.Setenv("MASTERD_SECRET_TEST", "leak")

	env := workerEnv([]string{"FOO=bar", "MALFORMED"}, 3, 8123)
	joined := strings.Join(env, "\n")

	assert.Contains(t, joined, "FOO=bar")
	assert.Contains(t, joined, "PORT=8123")
	assert.Contains(t, joined, "MASTERD_WORKER_ID=3")
	assert.Contains(t, joined, "PATH=")
	assert.NotContains(t, joined, "MASTERD_SECRET_TEST")
	assert.NotContains(t, joined, "MALFORMED")
}

func TestWorkerEnv_ConfiguredWinsOverPassthrough(t *testing.T) {
	env := workerEnv([]string{"PATH=/opt/app/bin"}, 1, 9000)
	assert.Contains(t, env, "PATH=/opt/app/bin")
}

func TestWorker_RequestAccounting(t *testing.T) {
	w := &Worker{status: WorkerRunning, inflight: make(map[uint64]time.Time)}

	token, ok := w.TryBeginRequest()
	require.True(t, ok)
	assert.True(t, w.Busy())
	assert.Equal(t, 1, w.Inflight())

	// one request slot per worker
	_, ok = w.TryBeginRequest()
	assert.False(t, ok)

	age := w.OldestInflightAge(time.Now().Add(time.Second))
	assert.Greater(t, age, 900*time.Millisecond)

	w.EndRequest(token)
	assert.Equal(t, int64(1), w.Requests())
	assert.Zero(t, w.Inflight())
	assert.False(t, w.Busy())
	assert.Greater(t, w.EWMALatency(), time.Duration(0))
	assert.Zero(t, w.OldestInflightAge(time.Now()))

	// stale tokens are ignored
	w.EndRequest(999)
	assert.Equal(t, int64(1), w.Requests())
}

func TestWorker_BeginRequestTracksConcurrency(t *testing.T) {
	w := &Worker{status: WorkerRunning, inflight: make(map[uint64]time.Time)}

	a := w.BeginRequest()
	b := w.BeginRequest()
	assert.Equal(t, 2, w.Inflight())

	w.EndRequest(a)
	w.EndRequest(b)
	assert.Equal(t, int64(2), w.Requests())
}

func TestWorker_MarkStoppingIsOneShot(t *testing.T) {
	w := &Worker{status: WorkerRunning, inflight: make(map[uint64]time.Time)}

	assert.True(t, w.markStopping(true))
	assert.True(t, w.Respawn())
	assert.Equal(t, WorkerStopping, w.Status())

	// second call must not clear the respawn mark
	assert.False(t, w.markStopping(false))
	assert.True(t, w.Respawn())

	_, ok := w.TryBeginRequest()
	assert.False(t, ok)
}

func TestRespawnBackoff(t *testing.T) {
	assert.Equal(t, time.Second, respawnBackoff(1))
	assert.Equal(t, 2*time.Second, respawnBackoff(2))
	assert.Equal(t, 16*time.Second, respawnBackoff(5))
	assert.Equal(t, 30*time.Second, respawnBackoff(6))
	assert.Equal(t, 30*time.Second, respawnBackoff(12))
}
