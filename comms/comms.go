// Package comms provides the per-task progress event bus.
package comms

import (
	"errors"
	"time"
)

// EventType identifies the kind of progress event.
type EventType string

const (
	EventTaskStarted     EventType = "task_started"
	EventChaptersFound   EventType = "chapters_found"
	EventChapterCrawled  EventType = "chapter_crawled"
	EventImageDownloaded EventType = "image_downloaded"
	EventBatchProcessing EventType = "batch_processing"
	EventBatchCompleted  EventType = "batch_completed"
	EventVideoGenerating EventType = "video_generating"
	EventVideoProgress   EventType = "video_progress"
	EventVideoCompleted  EventType = "video_completed"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventProgressUpdate  EventType = "progress_update"
	EventKeepalive       EventType = "keepalive"
)

// Terminal reports whether the event ends a task's stream.
func (t EventType) Terminal() bool {
	return t == EventTaskCompleted || t == EventTaskFailed
}

// Event is a progress notification for one task. Events are never stored.
type Event struct {
	TaskID    string    `json:"task_id"`
	Type      EventType `json:"event_type"`
	Message   string    `json:"message,omitempty"`
	Progress  int       `json:"progress"`
	Payload   any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrSlowConsumer is reported by a subscription that was detached because
// its buffer overflowed.
var ErrSlowConsumer = errors.New("subscriber too slow, detached")

// ErrTooManySubscribers is returned when a task's subscriber list is full.
var ErrTooManySubscribers = errors.New("too many subscribers for task")

// Bus fans task events out to that task's current subscribers.
type Bus interface {
	// Publish delivers ev to every current subscriber of ev.TaskID. Events
	// with no subscribers are dropped. Publish never blocks on a subscriber.
	Publish(ev Event)

	// Subscribe attaches a new subscriber to taskID. The subscription's
	// channel closes after a terminal event or when it is closed.
	Subscribe(taskID string) (*Subscription, error)
}
