package executor

import (
	"sync"
	"time"
)

// StepMetrics tracks statistics about step and tool execution.
type StepMetrics struct {
	StepsExecuted     int
	StepsWithErrors   int
	RetriesRequested  int
	ToolInvocations   int
	ToolSuccesses     int
	ToolFailures      int
	TransientFailures int
	ToolsNotFound     int
	ToolsReplayed     int
	TotalToolTime     time.Duration
	LongestToolTime   time.Duration

	mu sync.Mutex
}

// Copy returns a snapshot without the mutex.
func (m *StepMetrics) Copy() StepMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return StepMetrics{
		StepsExecuted:     m.StepsExecuted,
		StepsWithErrors:   m.StepsWithErrors,
		RetriesRequested:  m.RetriesRequested,
		ToolInvocations:   m.ToolInvocations,
		ToolSuccesses:     m.ToolSuccesses,
		ToolFailures:      m.ToolFailures,
		TransientFailures: m.TransientFailures,
		ToolsNotFound:     m.ToolsNotFound,
		ToolsReplayed:     m.ToolsReplayed,
		TotalToolTime:     m.TotalToolTime,
		LongestToolTime:   m.LongestToolTime,
	}
}

func (m *StepMetrics) recordInvocation(d time.Duration, failed, transient bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ToolInvocations++
	m.TotalToolTime += d
	if d > m.LongestToolTime {
		m.LongestToolTime = d
	}
	switch {
	case !failed:
		m.ToolSuccesses++
	case transient:
		m.ToolFailures++
		m.TransientFailures++
	default:
		m.ToolFailures++
	}
}

func (m *StepMetrics) recordNotFound() {
	m.mu.Lock()
	m.ToolsNotFound++
	m.mu.Unlock()
}

func (m *StepMetrics) recordReplay() {
	m.mu.Lock()
	m.ToolsReplayed++
	m.mu.Unlock()
}

func (m *StepMetrics) recordStep(hasErrors, retry bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StepsExecuted++
	if hasErrors {
		m.StepsWithErrors++
	}
	if retry {
		m.RetriesRequested++
	}
}
