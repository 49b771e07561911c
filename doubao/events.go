package doubao

// Client events
const (
	EventStartConnection  uint32 = 1
	EventFinishConnection uint32 = 2
	EventStartSession     uint32 = 100
	EventFinishSession    uint32 = 102
	EventTaskRequest      uint32 = 200
	EventSayHello         uint32 = 300
)

// Server events
const (
	EventConnectionStarted  uint32 = 50
	EventConnectionFailed   uint32 = 51
	EventConnectionFinished uint32 = 52
	EventSessionStarted     uint32 = 150
	EventSessionFinished    uint32 = 152
	EventSessionFailed      uint32 = 153
	EventTTSSentenceStart   uint32 = 350
	EventTTSEnded           uint32 = 359
	EventASRInfo            uint32 = 450
	EventASRResponse        uint32 = 451
	EventASREnded           uint32 = 459
	EventChatResponse       uint32 = 550
)

// lifecycleEvents never carry response text, whatever their payload holds.
var lifecycleEvents = map[uint32]bool{
	EventConnectionStarted:  true,
	EventConnectionFailed:   true,
	EventConnectionFinished: true,
	EventSessionStarted:     true,
	EventSessionFinished:    true,
	EventSessionFailed:      true,
	EventTTSSentenceStart:   true,
	EventTTSEnded:           true,
	EventASRInfo:            true,
	EventASRResponse:        true,
	EventASREnded:           true,
}

// IsTermination reports whether event ends the provider session.
func IsTermination(event uint32) bool {
	return event == EventSessionFinished || event == EventSessionFailed
}
