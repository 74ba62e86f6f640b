package aggregator

import (
	"context"
	"fmt"

	"memoryx/internal/auth"
	"memoryx/internal/orchestrator"
)

// ProcessSegmentMessage adapts an orchestrator.IngestEnvelope (as read off
// the Kafka commands topic) into ProcessSegment, satisfying
// orchestrator.Processor.
func (s *Service) ProcessSegmentMessage(ctx context.Context, taskID string, env orchestrator.IngestEnvelope) error {
	if env.Kind != orchestrator.IngestSegment {
		return fmt.Errorf("aggregator: envelope kind %q is not a segment task", env.Kind)
	}
	msgs := make([]Message, len(env.Messages))
	for i, m := range env.Messages {
		msgs[i] = Message{Role: m.Role, Content: m.Content}
	}
	seg := Segment{
		SegmentID: env.SegmentID,
		Owner:     auth.Owner{UserID: env.UserID, ProjectID: env.ProjectID, APIKeyID: env.APIKeyID},
		Messages:  msgs,
	}
	return s.ProcessSegment(ctx, taskID, seg)
}

// ProcessMemoryMessage adapts an orchestrator.IngestEnvelope into
// ProcessMemory, satisfying orchestrator.Processor.
func (s *Service) ProcessMemoryMessage(ctx context.Context, taskID string, env orchestrator.IngestEnvelope) error {
	if env.Kind != orchestrator.IngestMemory {
		return fmt.Errorf("aggregator: envelope kind %q is not a memory task", env.Kind)
	}
	owner := auth.Owner{UserID: env.UserID, ProjectID: env.ProjectID, APIKeyID: env.APIKeyID}
	return s.ProcessMemory(ctx, taskID, owner, env.Contents)
}
