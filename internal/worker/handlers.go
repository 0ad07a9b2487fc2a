package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/korir254/flowgate/internal/notify"
	"github.com/korir254/flowgate/model"
)

// Built-in topic names.
const (
	TopicNotifyHR       = "notify-hr"
	TopicNotifyEmployee = "notify-employee"
	TopicAutomation     = "automation-task"
)

// Automation task types routed by the automation handler.
const (
	TaskCalculateLeaveBalance = "calculate-leave-balance"
	TaskUpdateCalendar        = "update-calendar"
	TaskSendReminder          = "send-reminder"
)

// RegisterDefaultHandlers binds the built-in topic handlers.
func RegisterDefaultHandlers(r *Registry, sink notify.Sink, log *zap.Logger) {
	r.Register(TopicNotifyHR, NotifyHRHandler(sink))
	r.Register(TopicNotifyEmployee, NotifyEmployeeHandler(sink))
	r.Register(TopicAutomation, AutomationHandler(log))
}

// NotifyHRHandler notifies the HR channel about a pending workflow step.
func NotifyHRHandler(sink notify.Sink) HandlerFunc {
	return func(ctx context.Context, task model.ExternalTask) (model.Variables, error) {
		employee := stringVar(task.Variables, "employeeName")
		err := sink.Send(ctx, notify.Notification{
			Channel:           notify.ChannelHR,
			Subject:           "Workflow action required",
			Body:              fmt.Sprintf("A request from %s is awaiting review.", employee),
			ProcessInstanceID: task.ProcessInstanceID,
		})
		if err != nil {
			return nil, fmt.Errorf("notify hr: %w", err)
		}
		return model.Variables{
			"hrNotified":   model.Boolean(true),
			"hrNotifiedAt": model.Date(time.Now()),
		}, nil
	}
}

// NotifyEmployeeHandler notifies the initiating employee of a status change.
func NotifyEmployeeHandler(sink notify.Sink) HandlerFunc {
	return func(ctx context.Context, task model.ExternalTask) (model.Variables, error) {
		employee := stringVar(task.Variables, "employeeName")
		status := stringVar(task.Variables, "requestStatus")
		if status == "" {
			status = "updated"
		}
		err := sink.Send(ctx, notify.Notification{
			Channel:           notify.ChannelEmployee,
			Subject:           "Your request was " + status,
			Recipient:         employee,
			ProcessInstanceID: task.ProcessInstanceID,
		})
		if err != nil {
			return nil, fmt.Errorf("notify employee: %w", err)
		}
		return model.Variables{
			"employeeNotified": model.Boolean(true),
		}, nil
	}
}

// AutomationHandler routes automation tasks on their taskType variable.
// An unknown task type is a handler error and follows the normal retry path.
func AutomationHandler(log *zap.Logger) HandlerFunc {
	return func(ctx context.Context, task model.ExternalTask) (model.Variables, error) {
		taskType := stringVar(task.Variables, "taskType")
		switch taskType {
		case TaskCalculateLeaveBalance:
			return calculateLeaveBalance(task)
		case TaskUpdateCalendar:
			log.Info("calendar updated",
				zap.String("process_instance_id", task.ProcessInstanceID),
			)
			return model.Variables{"calendarUpdated": model.Boolean(true)}, nil
		case TaskSendReminder:
			log.Info("reminder sent",
				zap.String("process_instance_id", task.ProcessInstanceID),
			)
			return model.Variables{"reminderSent": model.Boolean(true)}, nil
		default:
			return nil, fmt.Errorf("automation: unknown task type %q", taskType)
		}
	}
}

func calculateLeaveBalance(task model.ExternalTask) (model.Variables, error) {
	balance, ok := task.Variables["leaveBalance"].IntVal()
	if !ok {
		return nil, fmt.Errorf("automation: leaveBalance variable missing or not an integer")
	}
	days, ok := task.Variables["leaveDays"].IntVal()
	if !ok {
		return nil, fmt.Errorf("automation: leaveDays variable missing or not an integer")
	}
	remaining := balance - days
	if remaining < 0 {
		return nil, fmt.Errorf("automation: insufficient leave balance: %d requested, %d available", days, balance)
	}
	return model.Variables{
		"remainingBalance": model.Integer(remaining),
		"balanceCheckedAt": model.Date(time.Now()),
	}, nil
}

func stringVar(vars model.Variables, name string) string {
	s, _ := vars[name].StringVal()
	return s
}
