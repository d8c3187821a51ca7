package events

import "time"

// Publisher is the typed publishing facade over the bus. It stamps each
// payload's Type and Timestamp fields and routes it to the topic its
// event class belongs to, so call sites only fill domain fields.
type Publisher struct {
	bus *Bus
}

// NewPublisher creates a Publisher backed by the given bus.
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

// PublishAgentState publishes a lifecycle transition for an agent.
func (p *Publisher) PublishAgentState(payload AgentStatePayload) {
	payload.Type = EventTypeAgentState
	payload.Timestamp = eventTimestamp(payload.Timestamp)
	p.bus.Publish(Event{
		Topic:   AgentTopic(payload.AgentID),
		Type:    EventTypeAgentState,
		Payload: payload,
	})
}

// PublishRoute publishes a routing decision event. eventType must be one
// of EventTypeRouteSkipped, EventTypeRouteFailover, EventTypeRouteExhausted.
func (p *Publisher) PublishRoute(eventType string, payload RoutePayload) {
	payload.Type = eventType
	payload.Timestamp = eventTimestamp(payload.Timestamp)
	p.bus.Publish(Event{
		Topic:   AgentTopic(payload.AgentID),
		Type:    eventType,
		Payload: payload,
	})
}

// PublishOutput publishes an execution output event. eventType must be
// one of the output.* constants.
func (p *Publisher) PublishOutput(eventType string, payload OutputPayload) {
	payload.Type = eventType
	payload.Timestamp = eventTimestamp(payload.Timestamp)
	p.bus.Publish(Event{
		Topic:   AgentTopic(payload.AgentID),
		Type:    eventType,
		Payload: payload,
	})
}

// PublishJobStatus publishes a job status transition.
func (p *Publisher) PublishJobStatus(payload JobStatusPayload) {
	payload.Type = EventTypeJobStatus
	payload.Timestamp = eventTimestamp(payload.Timestamp)
	p.bus.Publish(Event{
		Topic:   AgentTopic(payload.AgentID),
		Type:    EventTypeJobStatus,
		Payload: payload,
	})
}

// PublishApproval publishes an approval event to the approvals topic.
// eventType must be one of the approval.* constants.
func (p *Publisher) PublishApproval(eventType string, payload ApprovalPayload) {
	payload.Type = eventType
	payload.Timestamp = eventTimestamp(payload.Timestamp)
	p.bus.Publish(Event{
		Topic:   ApprovalsTopic,
		Type:    eventType,
		Payload: payload,
	})
}

// PublishSteerAccepted publishes acceptance of a steer message.
func (p *Publisher) PublishSteerAccepted(payload SteerPayload) {
	payload.Type = EventTypeSteerAccepted
	payload.Timestamp = eventTimestamp(payload.Timestamp)
	p.bus.Publish(Event{
		Topic:   AgentTopic(payload.AgentID),
		Type:    EventTypeSteerAccepted,
		Payload: payload,
	})
}

// eventTimestamp returns the existing stamp when the caller supplied one
// (replays, tests) and the current UTC time otherwise.
func eventTimestamp(existing string) string {
	if existing != "" {
		return existing
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}
