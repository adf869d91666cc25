package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/NeuralCoder007/aws-a2a/errors"
	"github.com/NeuralCoder007/aws-a2a/protocol"
	"github.com/NeuralCoder007/aws-a2a/tasks"
)

func (a *Agent) installDefaultHandlers() {
	a.messageHandlers[protocol.MsgHeartbeat] = MessageHandlerFunc(a.handleHeartbeat)
	a.messageHandlers[protocol.MsgTaskRequest] = MessageHandlerFunc(a.handleTaskRequest)
	a.messageHandlers[protocol.MsgDiscoveryRequest] = MessageHandlerFunc(a.handleDiscoveryRequest)
	a.messageHandlers[protocol.MsgRegistration] = MessageHandlerFunc(ignore)
	a.messageHandlers[protocol.MsgDeregistration] = MessageHandlerFunc(ignore)
}

func ignore(context.Context, *protocol.Message) error { return nil }

// handleHeartbeat treats an incoming heartbeat as a prompt to refresh our own
// liveness.
func (a *Agent) handleHeartbeat(ctx context.Context, _ *protocol.Message) error {
	if a.IsRegistered() {
		a.beat(ctx)
	}
	return nil
}

// handleTaskRequest executes the carried task when the agent holds every
// capability it requires, and rejects it otherwise. Either way a task
// response goes back to the requester. A redelivered request for an
// assignment already answered gets the same response again without a
// second execution.
func (a *Agent) handleTaskRequest(ctx context.Context, msg *protocol.Message) error {
	var task tasks.Task
	if err := msg.DecodePayload("task", &task); err != nil {
		return err
	}
	if task.TaskID == "" {
		return errors.InvalidInput("task request without task_id", errors.WithAgentID(a.id))
	}

	key := assignmentKey(&task, msg)
	if resp, ok := a.answered.Get(key); ok {
		a.logger.Info("task request redelivered, resending response",
			slog.String("task_id", task.TaskID),
			slog.String("message_id", msg.MessageID),
			slog.String("status", resp.Status))
		return a.reply(ctx, msg, resp)
	}

	if missing := protocol.Missing(a.capabilityTypes(), task.RequiredCapabilities); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, c := range missing {
			names[i] = string(c)
		}
		a.logger.Info("rejecting task",
			slog.String("task_id", task.TaskID),
			slog.Any("missing", names))
		resp := protocol.TaskResponse{
			TaskID:       task.TaskID,
			Status:       protocol.ResponseRejected,
			ErrorMessage: "missing capabilities: " + strings.Join(names, ", "),
		}
		a.answered.Add(key, resp)
		return a.reply(ctx, msg, resp)
	}

	timeout := a.taskTimeout
	if timeout <= 0 {
		if m := msg.PayloadInt("expected_duration_minutes", 0); m > 0 {
			timeout = time.Duration(m) * time.Minute
		}
	}

	res := a.ExecuteTask(ctx, &task, timeout)
	resp := protocol.TaskResponse{TaskID: task.TaskID, Status: protocol.ResponseCompleted, Result: res.Output}
	if !res.Success {
		resp.Status = protocol.ResponseFailed
		resp.ErrorMessage = res.Error
	}
	a.answered.Add(key, resp)
	return a.reply(ctx, msg, resp)
}

// assignmentKey identifies one assignment of a task. The assignee comes
// from the task, else from the request's recipient.
func assignmentKey(task *tasks.Task, msg *protocol.Message) string {
	assignee := task.AssignedTo
	if assignee == "" {
		assignee = msg.RecipientID
	}
	return task.TaskID + "/" + assignee
}

// handleDiscoveryRequest answers from the registry. Agents without a
// registry cannot serve discovery.
func (a *Agent) handleDiscoveryRequest(ctx context.Context, msg *protocol.Message) error {
	if a.registry == nil {
		return errors.New(errors.ErrCodeUnavailable, "discovery requires a registry", errors.WithAgentID(a.id))
	}
	q, err := protocol.DiscoveryQueryFromMessage(a.catalog, msg)
	if err != nil {
		return err
	}
	found, err := a.registry.Discover(ctx, q)
	if err != nil {
		return err
	}
	resp := protocol.NewDiscoveryResponse(msg, a.id, found.Agents, found.TotalFound)
	return a.send(ctx, replyQueue(msg), resp)
}

func (a *Agent) reply(ctx context.Context, request *protocol.Message, resp protocol.TaskResponse) error {
	return a.send(ctx, replyQueue(request), protocol.NewTaskResponse(request, a.id, resp))
}

// replyQueue is the request's ReplyTo, else its sender.
func replyQueue(msg *protocol.Message) string {
	if msg.ReplyTo != "" {
		return msg.ReplyTo
	}
	return msg.SenderID
}
