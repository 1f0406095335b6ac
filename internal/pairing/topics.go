package pairing

import "strings"

// Subtopic is the last segment of a session topic. It discriminates which
// message variant a payload carries.
type Subtopic string

// The four subtopics of a session. Every topic under a paircode ends in
// exactly one of these.
const (
	// SubtopicStatus carries presence announcements (StatusMessage).
	SubtopicStatus Subtopic = "status"

	// SubtopicData carries relayed native events (EventMessage).
	SubtopicData Subtopic = "data"

	// SubtopicAddListener carries event-type activation requests (ControlMessage).
	SubtopicAddListener Subtopic = "add_event_listener"

	// SubtopicRemoveListener carries event-type deactivation requests (ControlMessage).
	SubtopicRemoveListener Subtopic = "remove_event_listener"
)

// TopicFor joins a paircode and subtopic into a full topic.
//
// Example: TopicFor("vrlink/duck", SubtopicStatus) -> "vrlink/duck/status"
func TopicFor(paircode string, subtopic Subtopic) string {
	return paircode + "/" + string(subtopic)
}

// SubtopicOf extracts the subtopic from a full topic: the last '/'-delimited
// segment. For any subtopic s not containing the delimiter,
// SubtopicOf(TopicFor(p, s)) == s.
//
// A topic with no delimiter is its own subtopic.
func SubtopicOf(topic string) Subtopic {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 {
		return Subtopic(topic)
	}
	return Subtopic(topic[idx+1:])
}

// Topics builds the four session topics for a paircode.
// Using the builder keeps topic naming consistent between the subscribe and
// publish sides of the relay.
//
//	topics := pairing.Topics{Paircode: "vrlink/duck"}
//	topics.Status() // "vrlink/duck/status"
type Topics struct {
	Paircode string
}

// Status returns the presence topic.
//
// Example: vrlink/duck/status
func (t Topics) Status() string {
	return TopicFor(t.Paircode, SubtopicStatus)
}

// Data returns the relayed-event topic.
//
// Example: vrlink/duck/data
func (t Topics) Data() string {
	return TopicFor(t.Paircode, SubtopicData)
}

// AddListener returns the event-type activation topic.
//
// Example: vrlink/duck/add_event_listener
func (t Topics) AddListener() string {
	return TopicFor(t.Paircode, SubtopicAddListener)
}

// RemoveListener returns the event-type deactivation topic.
//
// Example: vrlink/duck/remove_event_listener
func (t Topics) RemoveListener() string {
	return TopicFor(t.Paircode, SubtopicRemoveListener)
}
