package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s.inbox", agentID)
}

func TopicEventsTask(state string) string {
	return fmt.Sprintf("events.task.%s", state)
}

func TopicEventsWorkflow(state string) string {
	return fmt.Sprintf("events.workflow.%s", state)
}

func TopicEventsMessage(msgType string) string {
	return fmt.Sprintf("events.message.%s", msgType)
}

const (
	TopicAgentInboxAll    = "agent.*.inbox"
	TopicIPCOrkestra      = "host.ipc.orkestra"
	TopicEventsAll        = "events.>"
	TopicEventsDeadLetter = "events.dead_letter"
	TopicEventsStalled    = "events.task_stalled"
	TopicEventsStandup    = "events.standup"
)
