package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store that enforces the transition contract, so
// an orchestrator emitting an invalid sequence fails the test.
type memStore struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func newMemStore() *memStore {
	return &memStore{runs: map[string]*Run{}}
}

func (s *memStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *run
	clone.Jobs = append([]Job(nil), run.Jobs...)
	s.runs[run.ID] = &clone
	return nil
}

func (s *memStore) UpdateRun(_ context.Context, id string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("unknown run %s", id)
	}
	if err := Transition(run.Status, to); err != nil {
		return err
	}
	run.Status = to
	return nil
}

func (s *memStore) UpdateJob(_ context.Context, runID, name string, to Status) error {
	return s.setJob(runID, name, to, nil)
}

func (s *memStore) FinishJob(_ context.Context, runID, name string, to Status, exitCode, attempts int, reason string) error {
	return s.setJob(runID, name, to, func(j *Job) {
		j.ExitCode = exitCode
		j.Attempts = attempts
		j.Reason = reason
	})
}

func (s *memStore) setJob(runID, name string, to Status, mutate func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("unknown run %s", runID)
	}
	job := run.Job(name)
	if job == nil {
		return fmt.Errorf("unknown job %s", name)
	}
	if err := Transition(job.Status, to); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	job.Status = to
	if mutate != nil {
		mutate(job)
	}
	return nil
}

func (s *memStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("unknown run %s", id)
	}
	return run, nil
}

func (s *memStore) ListRuns(_ context.Context, limit int) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Run
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) jobStatus(t *testing.T, runID, name string) Status {
	t.Helper()
	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	job := run.Job(name)
	require.NotNil(t, job)
	return job.Status
}

type memNotifier struct {
	mu        sync.Mutex
	runEvents []Status
	jobEvents map[string][]Status
}

func newMemNotifier() *memNotifier {
	return &memNotifier{jobEvents: map[string][]Status{}}
}

func (n *memNotifier) RunEvent(_ context.Context, run *Run) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runEvents = append(n.runEvents, run.Status)
}

func (n *memNotifier) JobEvent(_ context.Context, _ *Run, job *Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobEvents[job.Name] = append(n.jobEvents[job.Name], job.Status)
}

func executeSpec(t *testing.T, yaml string, ref string, protected bool, vars map[string]string) (*memStore, *memNotifier, *Run) {
	t.Helper()
	spec, err := ParseSpec([]byte(yaml))
	require.NoError(t, err)

	store := newMemStore()
	notifier := newMemNotifier()
	runner := NewRunner(t.TempDir(), t.TempDir())
	orch := NewOrchestrator(spec, store, notifier, runner)

	run := NewRun(spec, ref, "0123456789abcdef", protected, vars)
	require.NoError(t, orch.Execute(context.Background(), run))
	return store, notifier, run
}

func TestExecute_HappyPath(t *testing.T) {
	store, notifier, run := executeSpec(t, `
stages: [build_test, test, deploy]
build:
  stage: build_test
  script: echo built
unit:
  stage: test
  script: echo tested
deploy:
  stage: deploy
  only:
    refs: [master]
    variables: ['$CI_COMMIT_REF_PROTECTED == "true"']
  script: echo deployed
`, "master", true, nil)

	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, StatusSuccess, store.jobStatus(t, run.ID, "build"))
	assert.Equal(t, StatusSuccess, store.jobStatus(t, run.ID, "unit"))
	assert.Equal(t, StatusSuccess, store.jobStatus(t, run.ID, "deploy"))

	assert.Equal(t, []Status{StatusRunning, StatusSuccess}, notifier.runEvents)
	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusSuccess}, notifier.jobEvents["build"])
}

func TestExecute_FailFastSkipsLaterStages(t *testing.T) {
	store, _, run := executeSpec(t, `
stages: [build_test, test, deploy]
build:
  stage: build_test
  script: exit 1
unit:
  stage: test
  script: echo tested
deploy:
  stage: deploy
  script: echo deployed
`, "master", true, nil)

	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, StatusFailed, store.jobStatus(t, run.ID, "build"))
	assert.Equal(t, StatusSkipped, store.jobStatus(t, run.ID, "unit"))
	assert.Equal(t, StatusSkipped, store.jobStatus(t, run.ID, "deploy"))

	stored, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Job("unit").Reason, "upstream stage failed")
}

func TestExecute_AllowFailure(t *testing.T) {
	store, _, run := executeSpec(t, `
stages: [test, deploy]
lint:
  stage: test
  allow_failure: true
  script: exit 1
deploy:
  stage: deploy
  script: echo deployed
`, "master", true, nil)

	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, StatusFailed, store.jobStatus(t, run.ID, "lint"))
	assert.Equal(t, StatusSuccess, store.jobStatus(t, run.ID, "deploy"))
}

func TestExecute_WhenAlwaysRunsAfterFailure(t *testing.T) {
	spec, err := ParseSpec([]byte(`
stages: [test, deploy]
unit:
  stage: test
  script: exit 1
cleanup:
  stage: deploy
  when: always
  script: touch cleanup-ran
`))
	require.NoError(t, err)

	store := newMemStore()
	workdir := t.TempDir()
	runner := NewRunner(t.TempDir(), workdir)
	orch := NewOrchestrator(spec, store, newMemNotifier(), runner)
	run := NewRun(spec, "master", "", false, nil)
	require.NoError(t, orch.Execute(context.Background(), run))

	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, StatusSuccess, store.jobStatus(t, run.ID, "cleanup"))
	_, err = os.Stat(filepath.Join(workdir, "cleanup-ran"))
	assert.NoError(t, err)
}

func TestExecute_ManualJobRecorded(t *testing.T) {
	store, _, run := executeSpec(t, `
stages: [deploy]
deploy:
  stage: deploy
  when: manual
  script: echo deployed
`, "master", true, nil)

	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, StatusManual, store.jobStatus(t, run.ID, "deploy"))
}

func TestExecute_DeployGatedOnUnprotectedRef(t *testing.T) {
	store, _, run := executeSpec(t, `
stages: [test, deploy]
unit:
  stage: test
  script: echo ok
deploy:
  stage: deploy
  only:
    refs: [master]
    variables: ['$CI_COMMIT_REF_PROTECTED == "true"']
  script: echo deployed
`, "master", false, nil)

	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, StatusSuccess, store.jobStatus(t, run.ID, "unit"))
	assert.Equal(t, StatusSkipped, store.jobStatus(t, run.ID, "deploy"))
}

func TestExecute_Canceled(t *testing.T) {
	spec, err := ParseSpec([]byte(`
stages: [test, deploy]
slow:
  stage: test
  script: sleep 10
deploy:
  stage: deploy
  script: echo deployed
`))
	require.NoError(t, err)

	store := newMemStore()
	orch := NewOrchestrator(spec, store, newMemNotifier(), NewRunner(t.TempDir(), t.TempDir()))
	run := NewRun(spec, "master", "", false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	require.NoError(t, orch.Execute(ctx, run))
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, StatusCanceled, run.Status)
	assert.Equal(t, StatusCanceled, store.jobStatus(t, run.ID, "slow"))
	assert.Equal(t, StatusSkipped, store.jobStatus(t, run.ID, "deploy"))
}

func TestExecute_ConcurrentJobsInStage(t *testing.T) {
	start := time.Now()
	_, _, run := executeSpec(t, `
stages: [test]
a:
  stage: test
  script: sleep 0.6
b:
  stage: test
  script: sleep 0.6
c:
  stage: test
  script: sleep 0.6
`, "master", false, nil)

	assert.Equal(t, StatusSuccess, run.Status)
	// three 600ms jobs sharing a stage should overlap
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}
