package notification

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeDispatch is the asynq task type for processing one due notification.
	TaskTypeDispatch = "notification:dispatch"

	// TaskTypeCleanup is the asynq task type for the periodic retention purge.
	TaskTypeCleanup = "notification:cleanup"
)

// DispatchPayload is the serialized payload for a dispatch task.
type DispatchPayload struct {
	NotificationID string `json:"notification_id"`
	Version        int64  `json:"version"`
}

// NewDispatchTask creates a new asynq task for processing a notification.
func NewDispatchTask(id string, version int64) (*asynq.Task, error) {
	payload, err := json.Marshal(DispatchPayload{NotificationID: id, Version: version})
	if err != nil {
		return nil, fmt.Errorf("marshaling task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeDispatch, payload), nil
}

// DispatchTaskID derives the asynq task id for a record version, so one
// version of a record is never queued twice.
func DispatchTaskID(id string, version int64) string {
	return fmt.Sprintf("dispatch:%s:%d", id, version)
}

// ParseDispatchPayload deserializes the task payload.
func ParseDispatchPayload(data []byte) (*DispatchPayload, error) {
	var p DispatchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling task payload: %w", err)
	}
	if p.NotificationID == "" {
		return nil, fmt.Errorf("task payload is missing notification_id")
	}
	return &p, nil
}

// NewCleanupTask creates the retention purge task.
func NewCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskTypeCleanup, nil)
}
