// Package events defines event types and structures for evaluation lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every lazypipe event.
const Topic = "lazypipe.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Evaluation lifecycle events.
	EvaluationStartedEvent  EventType = "evaluation.started"
	EvaluationFinishedEvent EventType = "evaluation.finished"
	EvaluationFailedEvent   EventType = "evaluation.failed"

	// Node events.
	NodeCacheHitEvent EventType = "node.cache_hit"
	NodeExecutedEvent EventType = "node.executed"
	NodeFailedEvent   EventType = "node.failed"

	// Tracking events.
	RunLoggedEvent EventType = "run.logged"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	EvaluationID string         `json:"evaluation_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type EvaluationStarted struct {
	BaseEvent

	Targets []string `json:"targets"`
	Nodes   int      `json:"nodes"`
	Params  []string `json:"params,omitempty"`
}

func (e EvaluationStarted) GetType() EventType {
	return EvaluationStartedEvent
}

type EvaluationFinished struct {
	BaseEvent

	Executed  int           `json:"executed"`
	CacheHits int           `json:"cache_hits"`
	MemoHits  int           `json:"memo_hits"`
	Duration  time.Duration `json:"duration"`
}

func (e EvaluationFinished) GetType() EventType {
	return EvaluationFinishedEvent
}

type EvaluationFailed struct {
	BaseEvent

	Stage    string        `json:"stage"`
	NodeID   string        `json:"node_id,omitempty"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (e EvaluationFailed) GetType() EventType {
	return EvaluationFailedEvent
}

// NodeEvent identifies the node an event is about.
type NodeEvent struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
	Key    string `json:"key"`
}

type NodeCacheHit struct {
	BaseEvent
	NodeEvent
}

func (e NodeCacheHit) GetType() EventType {
	return NodeCacheHitEvent
}

type NodeExecuted struct {
	BaseEvent
	NodeEvent

	Duration time.Duration `json:"duration"`
	Stored   bool          `json:"stored"`
}

func (e NodeExecuted) GetType() EventType {
	return NodeExecutedEvent
}

type NodeFailed struct {
	BaseEvent
	NodeEvent

	Error string `json:"error"`
}

func (e NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

// RunLogged reports an experiment run recorded by a tracking sink.
type RunLogged struct {
	BaseEvent

	RunID      string             `json:"run_id"`
	Experiment string             `json:"experiment"`
	Params     map[string]any     `json:"params,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

func (e RunLogged) GetType() EventType {
	return RunLoggedEvent
}

func NewBaseEvent(eventType EventType, evaluationID string) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		EvaluationID: evaluationID,
		Metadata:     make(map[string]any),
	}
}
