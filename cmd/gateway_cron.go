package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
)

// makeCronJobHandler creates a cron job handler that routes through the
// scheduler's cron lane. This gives per-session concurrency control (the
// same job can't run concurrently) and /stop, /stopall integration.
func makeCronJobHandler(sched *scheduler.Scheduler, msgBus *bus.MessageBus, cfg *config.Config) cron.Handler {
	return func(job *cron.Job) (*cron.Result, error) {
		agentID := job.AgentID
		if agentID == "" {
			agentID = cfg.ResolveDefaultAgentID()
		} else {
			agentID = config.NormalizeAgentID(agentID)
		}

		runID := uuid.NewString()[:8]
		sessionKey := sessions.BuildCronSessionKey(agentID, job.ID, runID)
		channel := job.Payload.Channel
		if channel == "" {
			channel = "cron"
		}

		outCh := sched.Schedule(context.Background(), scheduler.LaneCron, toSchedulerRequest(agent.RunRequest{
			SessionKey: sessionKey,
			Message:    job.Payload.Message,
			Channel:    channel,
			ChatID:     job.Payload.To,
			UserID:     job.UserID,
			RunID:      fmt.Sprintf("cron:%s:%s", job.ID, runID),
		}))

		result, err := fromSchedulerOutcome(<-outCh)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return &cron.Result{}, nil
		}

		// Deliver the reply to a channel when the job asks for it.
		if job.Payload.Deliver && job.Payload.Channel != "" && job.Payload.To != "" {
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: job.Payload.Channel,
				ChatID:  job.Payload.To,
				Content: result.Content,
			})
		}

		cronResult := &cron.Result{Content: result.Content}
		if result.Usage != nil {
			cronResult.InputTokens = int64(result.Usage.PromptTokens)
			cronResult.OutputTokens = int64(result.Usage.CompletionTokens)
		}
		return cronResult, nil
	}
}
