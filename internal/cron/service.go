// Package cron runs the inbox's periodic jobs: staging refresh, bridge status
// polling and the stale lease sweep.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobState is the persisted outcome of a job's last run.
type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs"`
	LastStatus  string `json:"lastStatus"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int64  `json:"runs"`
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name  string        `json:"name"`
	Every time.Duration `json:"every"`
	State JobState      `json:"state"`
}

type job struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) error
	state JobState
}

type Service struct {
	statePath string
	mu        sync.Mutex
	jobs      map[string]*job
	// OnResult is called after every run.
	OnResult func(name string, err error)
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job name -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	log      zerolog.Logger
}

// NewService creates a scheduler that persists job state to statePath; an
// empty path keeps state in memory only.
func NewService(statePath string, log zerolog.Logger) *Service {
	return &Service{
		statePath: statePath,
		jobs:      make(map[string]*job),
		entryMap:  make(map[string]rcron.EntryID),
		log:       log,
	}
}

// AddJob registers run to fire every interval. Jobs added after Start are
// scheduled immediately.
func (s *Service) AddJob(name string, every time.Duration, run func(ctx context.Context) error) error {
	if name == "" || run == nil {
		return fmt.Errorf("job name and func are required")
	}
	if every < time.Second {
		return fmt.Errorf("job %s: interval %s is below one second", name, every)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, every: every, run: run}
	s.jobs[name] = j
	if s.cron != nil {
		return s.registerJob(j)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	states, err := LoadStates(s.statePath)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to load job state")
	}

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("cron service already started")
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(cronLogger{s.log})))
	for name, j := range s.jobs {
		if st, ok := states[name]; ok {
			j.state = st
		}
		if err := s.registerJob(j); err != nil {
			s.mu.Unlock()
			cancel()
			return err
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info().Int("jobs", count).Msg("cron started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) registerJob(j *job) error {
	id, err := s.cron.AddFunc("@every "+j.every.String(), func() {
		s.executeJob(j.name)
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", j.name, err)
	}
	s.entryMap[j.name] = id
	return nil
}

// RunNow executes a job synchronously outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.executeJob(name)
}

func (s *Service) executeJob(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	parent := s.runCtx
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if parent == nil {
		parent = context.Background()
	}

	// a run may not outlast its own interval
	ctx, cancel := context.WithTimeout(parent, j.every)
	err := j.run(ctx)
	cancel()

	s.mu.Lock()
	j.state.LastRunAtMs = time.Now().UnixMilli()
	j.state.Runs++
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
	}
	saveErr := s.save()
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Str("job", name).Msg("job failed")
	} else {
		s.log.Debug().Str("job", name).Msg("job finished")
	}
	if saveErr != nil {
		s.log.Warn().Err(saveErr).Msg("failed to save job state")
	}
	if s.OnResult != nil {
		s.OnResult(name, err)
	}
	return err
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.log.Warn().Msg("stop timeout waiting for running jobs")
		}
	}
	s.log.Info().Msg("cron stopped")
}

// Jobs lists registered jobs sorted by name.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{Name: j.name, Every: j.every, State: j.state})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// LoadStates reads persisted job state. A missing file yields no state.
func LoadStates(path string) (map[string]JobState, error) {
	states := make(map[string]JobState)
	if path == "" {
		return states, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return states, nil
		}
		return states, err
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return states, fmt.Errorf("decode job state: %w", err)
	}
	return states, nil
}

// save must be called with s.mu held.
func (s *Service) save() error {
	if s.statePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0755); err != nil {
		return err
	}
	states := make(map[string]JobState, len(s.jobs))
	for name, j := range s.jobs {
		states[name] = j.state
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, data, 0644)
}

// cronLogger routes robfig/cron's internal logging into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
