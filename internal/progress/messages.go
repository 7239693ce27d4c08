package progress

type MessageType string

const (
	MessageStatus    MessageType = "status"
	MessageCompleted MessageType = "completed"
	MessageError     MessageType = "error"
	MessagePong      MessageType = "pong"
)

// Message is the wire payload pushed over a submission's live channel.
type Message struct {
	Score    *int        `json:"score,omitempty"`
	Message  string      `json:"message,omitempty"`
	Feedback string      `json:"feedback,omitempty"`
	Error    string      `json:"error,omitempty"`
	Type     MessageType `json:"type"`
}

func StatusMessage(text string) Message {
	return Message{Type: MessageStatus, Message: text}
}

func CompletedMessage(score int, feedback string) Message {
	return Message{Type: MessageCompleted, Score: &score, Feedback: feedback}
}

func ErrorMessage(text string) Message {
	return Message{Type: MessageError, Error: text}
}

func PongMessage() Message {
	return Message{Type: MessagePong}
}
