package gojob

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
	"github.com/goliatone/go-integration-gateway/workflow"

	job "github.com/goliatone/go-job"
)

const (
	JobIDDelivery       = "gateway.delivery"
	JobIDWorkflowResume = "gateway.workflow.resume"

	// DedupPolicyDrop asks the queue backend to drop a message whose
	// idempotency key is already enqueued.
	DedupPolicyDrop job.DeduplicationPolicy = "drop"

	paramMessageID   = "message_id"
	paramMaxAttempts = "max_attempts"
	paramEnvelope    = "envelope"
	paramCreatedAt   = "created_at"
	paramRunID       = "run_id"
	paramWorkflow    = "workflow"
	paramResumeAt    = "resume_at"
)

// ToExecutionMessage maps a queued envelope to a go-job message. The
// envelope travels as a JSON string so backends that re-encode parameters
// keep the payload bytes intact.
func ToExecutionMessage(msg core.QueueMessage) (*job.ExecutionMessage, error) {
	raw, err := json.Marshal(msg.Envelope)
	if err != nil {
		return nil, fmt.Errorf("gojob: encode envelope: %w", err)
	}
	return &job.ExecutionMessage{
		JobID:      JobIDDelivery,
		ScriptPath: JobIDDelivery,
		Parameters: map[string]any{
			paramMessageID:   msg.ID,
			paramMaxAttempts: msg.MaxAttempts,
			paramCreatedAt:   msg.CreatedAt.UTC().Format(time.RFC3339Nano),
			paramEnvelope:    string(raw),
		},
		IdempotencyKey: msg.DedupID,
		DedupPolicy:    DedupPolicyDrop,
	}, nil
}

// FromExecutionMessage decodes a delivery message produced by ToExecutionMessage.
func FromExecutionMessage(msg *job.ExecutionMessage) (core.QueueMessage, error) {
	if msg == nil {
		return core.QueueMessage{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDDelivery {
		return core.QueueMessage{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	rawEnvelope := stringParam(msg.Parameters, paramEnvelope)
	if rawEnvelope == "" {
		return core.QueueMessage{}, fmt.Errorf("gojob: delivery message has no envelope")
	}
	var envelope core.DeliveryEnvelope
	if err := json.Unmarshal([]byte(rawEnvelope), &envelope); err != nil {
		return core.QueueMessage{}, fmt.Errorf("gojob: decode envelope: %w", err)
	}
	out := core.QueueMessage{
		ID:          stringParam(msg.Parameters, paramMessageID),
		DedupID:     strings.TrimSpace(msg.IdempotencyKey),
		Envelope:    envelope,
		MaxAttempts: intParam(msg.Parameters, paramMaxAttempts),
		Status:      core.QueueStatusProcessing,
	}
	if out.DedupID == "" {
		out.DedupID = envelope.DedupID()
	}
	if createdAt, err := time.Parse(time.RFC3339Nano, stringParam(msg.Parameters, paramCreatedAt)); err == nil {
		out.CreatedAt = createdAt
	}
	return out, nil
}

// ResumeMessage builds the go-job message that resumes run at the given time.
func ResumeMessage(run workflow.Run, at time.Time) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:      JobIDWorkflowResume,
		ScriptPath: JobIDWorkflowResume,
		Parameters: map[string]any{
			paramRunID:    run.ID,
			paramWorkflow: run.Workflow,
			paramResumeAt: at.UTC().Format(time.RFC3339Nano),
		},
		IdempotencyKey: resumeKey(run),
		DedupPolicy:    DedupPolicyDrop,
	}
}

// ResumeTarget extracts the run id and resume time from a resume message.
func ResumeTarget(msg *job.ExecutionMessage) (string, time.Time, error) {
	if msg == nil {
		return "", time.Time{}, fmt.Errorf("gojob: execution message is required")
	}
	runID := stringParam(msg.Parameters, paramRunID)
	if runID == "" {
		return "", time.Time{}, fmt.Errorf("gojob: resume message has no run id")
	}
	at, _ := time.Parse(time.RFC3339Nano, stringParam(msg.Parameters, paramResumeAt))
	return runID, at, nil
}

func resumeKey(run workflow.Run) string {
	return fmt.Sprintf("%s:%d:%d", run.ID, run.Step, run.Attempts)
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	switch value := params[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case []byte:
		return strings.TrimSpace(string(value))
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func intParam(params map[string]any, key string) int {
	if params == nil {
		return 0
	}
	switch value := params[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	case json.Number:
		n, _ := value.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(value))
		return n
	}
	return 0
}
