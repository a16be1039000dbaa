// Package reply turns thread and job state into the reply a caller sees.
package reply

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/listing-designer/internal/models"
)

type Status string

const (
	StatusCollecting Status = "collecting"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

const (
	processingText = "I'm creating your design now. It can take a little while; send another message on this thread and I'll share it as soon as it's ready."
	failedText     = "I couldn't create that design. Please double-check the details, such as the MLS listing ID, and tell me what to change. I'll try again right away."
)

// Reply is the outward-facing answer to one turn.
type Reply struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ThreadID string `json:"thread_id"`
	ImageURL string `json:"image_url,omitempty"`
	Status   Status `json:"status"`
}

// JobSource reads generation jobs.
type JobSource interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// Assembler waits a bounded grace period for a running job so fast renders
// come back in the same reply and slow ones return a processing notice.
type Assembler struct {
	jobs  JobSource
	grace time.Duration
	poll  time.Duration
}

func New(jobs JobSource, grace time.Duration) *Assembler {
	return &Assembler{jobs: jobs, grace: grace, poll: 200 * time.Millisecond}
}

// WithPollInterval sets how often a pending job is re-read during the grace
// period.
func (a *Assembler) WithPollInterval(d time.Duration) *Assembler {
	a.poll = d
	return a
}

// Assemble builds the reply for thread. text is the engine's message for
// this turn; for threads with a job it leads the job outcome and may be
// empty.
func (a *Assembler) Assemble(ctx context.Context, thread *models.Thread, text string) (Reply, error) {
	r := Reply{Role: models.RoleAssistant, ThreadID: thread.ID}

	switch thread.State {
	case models.StateCollectingIntent, models.StateCollectingSlots:
		r.Content, r.Status = text, StatusCollecting
		return r, nil
	case models.StateReadyToGenerate:
		r.Content, r.Status = join(text, processingText), StatusProcessing
		return r, nil
	}
	if thread.ActiveJobID == "" {
		r.Content, r.Status = join(text, processingText), StatusProcessing
		return r, nil
	}

	job, err := a.await(ctx, thread.ActiveJobID)
	if err != nil {
		return Reply{}, err
	}
	switch job.Status {
	case models.JobSucceeded:
		r.Content = join(text, fmt.Sprintf("Your design is ready! You can view and download it here: %s", job.ResultURL))
		r.ImageURL, r.Status = job.ResultURL, StatusComplete
	case models.JobFailed:
		r.Content, r.Status = join(text, failedText), StatusFailed
	default:
		r.Content, r.Status = join(text, processingText), StatusProcessing
	}
	return r, nil
}

// await returns the job once it is terminal or the grace period ends.
func (a *Assembler) await(ctx context.Context, id string) (*models.Job, error) {
	deadline := time.Now().Add(a.grace)
	for {
		job, err := a.jobs.GetJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read job %s: %w", id, err)
		}
		if !job.Status.Active() || !time.Now().Before(deadline) {
			return job, nil
		}
		wait := min(a.poll, time.Until(deadline))
		select {
		case <-ctx.Done():
			return job, nil
		case <-time.After(wait):
		}
	}
}

func join(lead, body string) string {
	lead = strings.TrimSpace(lead)
	if lead == "" {
		return body
	}
	return lead + " " + body
}

// Plain reports the thread's state with text, without reading its job.
func Plain(thread *models.Thread, text string) Reply {
	return Reply{Role: models.RoleAssistant, Content: text, ThreadID: thread.ID, Status: StatusFor(thread.State)}
}

func StatusFor(state models.ThreadState) Status {
	switch state {
	case models.StateComplete:
		return StatusComplete
	case models.StateFailed:
		return StatusFailed
	case models.StateReadyToGenerate, models.StateGenerating:
		return StatusProcessing
	default:
		return StatusCollecting
	}
}
