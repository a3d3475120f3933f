package devserver

import (
	"context"
	"fmt"
	"log"
	"time"

	"gobuild/monitor/shared/message"
	"gobuild/monitor/shared/model"
)

// Simulate runs a stored build to completion, publishing one event per
// tick: running, then each step with a log line, then the final status. A
// step named "fail" fails the build.
func (s *Server) Simulate(ctx context.Context, buildID string, tick time.Duration) error {
	b, ok := s.Build(buildID)
	if !ok {
		return fmt.Errorf("simulate: build %s not found", buildID)
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			return nil
		}
	}
	publish := func(p message.Payload) {
		if err := s.Publish(p); err != nil {
			log.Printf("simulate %s: %v", buildID, err)
		}
	}

	publish(message.BuildStatusEvent{BuildID: buildID, Status: model.BuildRunning})
	for _, step := range b.Steps {
		if err := wait(); err != nil {
			return err
		}
		publish(message.BuildStepEvent{BuildID: buildID, StepID: step.ID, Status: model.StepRunning})
		publish(message.BuildLogsEvent{BuildID: buildID, Logs: fmt.Sprintf("INFO [%s] $ %s", step.Name, step.Command)})

		if err := wait(); err != nil {
			return err
		}
		if step.Name == "fail" {
			publish(message.BuildLogsEvent{BuildID: buildID, Logs: fmt.Sprintf("ERROR [%s] exited with status 1", step.Name)})
			publish(message.BuildStepEvent{BuildID: buildID, StepID: step.ID, Status: model.StepFailed})
			publish(message.BuildStatusEvent{BuildID: buildID, Status: model.BuildFailed, Error: "step " + step.Name + " failed"})
			return nil
		}
		publish(message.BuildStepEvent{BuildID: buildID, StepID: step.ID, Status: model.StepSuccess})
	}
	publish(message.BuildStatusEvent{BuildID: buildID, Status: model.BuildSuccess})
	return nil
}

// SeedBuild is a queued build with a typical pipeline, for demos.
func SeedBuild(id, projectID string) model.Build {
	return model.Build{
		ID:        id,
		ProjectID: projectID,
		Status:    model.BuildQueued,
		Branch:    "main",
		Commit:    model.Commit{SHA: "9f2c1e4b7a", Message: "Add retry to artifact upload", Author: "dev"},
		Steps: []model.Step{
			{ID: "checkout", Name: "checkout", Command: "git clone", Status: model.StepQueued},
			{ID: "build", Name: "build", Command: "go build ./...", Status: model.StepQueued},
			{ID: "test", Name: "test", Command: "go test ./...", Status: model.StepQueued},
		},
	}
}
