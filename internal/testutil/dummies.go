// Package testutil provides shared test doubles for use across package tests.
// All dummies implement the corresponding interfaces from the production code,
// allowing injection into components under test without real I/O or side effects.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/backend"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/logging"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// WarnCount returns the number of recorded warnings.
func (l *DummyLogger) WarnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Warns)
}

// ─── Worker backend ────────────────────────────────────────────────────

// ScriptedRun describes one launched worker's lifetime for FakeBackend:
// the polls it answers in order, then the terminal state it settles in.
type ScriptedRun struct {
	// Polls are returned one at a time; once exhausted the run keeps
	// answering with its last entry.
	Polls []backend.Poll

	// LaunchErr, when set, makes Launch fail for this run.
	LaunchErr error
}

// FakeBackend implements backend.Backend with scripted behavior per launch.
// Scripts are consumed in launch order across all chunks.
type FakeBackend struct {
	mu       sync.Mutex
	scripts  []ScriptedRun
	next     int
	launched []backend.LaunchSpec
	runs     map[backend.Handle]*fakeRun

	// Terminated records every Terminate call.
	Terminated []backend.Handle
	// Released records every Release call.
	Released []backend.Handle
}

type fakeRun struct {
	script ScriptedRun
	polls  int
}

// NewFakeBackend builds a backend that plays the given scripts in launch
// order.
func NewFakeBackend(scripts ...ScriptedRun) *FakeBackend {
	return &FakeBackend{
		scripts: scripts,
		runs:    make(map[backend.Handle]*fakeRun),
	}
}

// Launched returns copies of every LaunchSpec seen so far.
func (f *FakeBackend) Launched() []backend.LaunchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.LaunchSpec, len(f.launched))
	copy(out, f.launched)
	return out
}

func (f *FakeBackend) Launch(_ context.Context, spec backend.LaunchSpec) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var script ScriptedRun
	if f.next < len(f.scripts) {
		script = f.scripts[f.next]
	} else if len(f.scripts) > 0 {
		script = f.scripts[len(f.scripts)-1]
	}
	f.next++
	f.launched = append(f.launched, spec)

	if script.LaunchErr != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrWorkerLaunchFailure, script.LaunchErr)
	}

	h := backend.Handle(fmt.Sprintf("fake-%d", f.next))
	f.runs[h] = &fakeRun{script: script}
	return h, nil
}

func (f *FakeBackend) Poll(_ context.Context, h backend.Handle) (backend.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.runs[h]
	if !ok {
		return backend.Poll{}, backend.ErrUnknownHandle
	}
	polls := run.script.Polls
	if len(polls) == 0 {
		return backend.Poll{State: backend.StateSucceeded}, nil
	}
	i := run.polls
	if i >= len(polls) {
		i = len(polls) - 1
	}
	run.polls++
	return polls[i], nil
}

func (f *FakeBackend) Terminate(_ context.Context, h backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Terminated = append(f.Terminated, h)
	return nil
}

func (f *FakeBackend) Release(h backend.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Released = append(f.Released, h)
	delete(f.runs, h)
}

// ─── Findings helpers ──────────────────────────────────────────────────

// FindingEvent builds a finding poll event for scripted runs.
func FindingEvent(endpoint, method, probeID string, sev scan.Severity) backend.Event {
	return backend.Event{
		Type: backend.EventFinding,
		Finding: &scan.Finding{
			Endpoint: endpoint,
			Method:   method,
			ProbeID:  probeID,
			Severity: sev,
		},
	}
}

// ProgressEvent builds a progress poll event for scripted runs.
func ProgressEvent(endpoint, method string, requests int) backend.Event {
	return backend.Event{
		Type:     backend.EventProgress,
		Endpoint: endpoint,
		Method:   method,
		Requests: requests,
	}
}

// DoneEvent marks a run's endpoint sweep complete.
func DoneEvent() backend.Event {
	return backend.Event{Type: backend.EventDone}
}
