package envelope

// Message types for the quiz-support protocols.
const (
	// Top frame ↔ quiz frame (window messaging)
	TypeAction           = "ACTION"            // top → frame: run a quiz action
	TypeQuestionRequest  = "QUESTION_REQUEST"  // top → frame: snapshot the current question
	TypeQuestionSnapshot = "QUESTION_SNAPSHOT" // frame → top: snapshot reply

	// Client ↔ relay (background channel)
	TypeStreamRequest = "STREAM_REQUEST" // client → relay: start a chat stream
	TypeStreamDelta   = "STREAM_DELTA"   // relay → client: incremental text
	TypeStreamDone    = "STREAM_DONE"    // relay → client: terminal success
	TypeStreamError   = "STREAM_ERROR"   // relay → client: terminal failure
)

// Usage is the token accounting reported by the chat backend on completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Action asks the frame that owns the quiz DOM to run one user action.
// Index is nil unless the action targets an answer option.
type Action struct {
	ReqID  string
	Action string
	Key    string
	Index  *int
}

// QuestionRequest asks the quiz frame for a snapshot of the current question.
type QuestionRequest struct {
	ReqID string
}

// QuestionSnapshot carries the quiz frame's view of the current question.
type QuestionSnapshot struct {
	ReqID    string
	Snapshot map[string]any
}

// StreamRequest opens one chat completion stream through the relay.
// Exactly one of APIKey/AuthToken must be usable; the relay rejects the
// request before contacting the backend otherwise.
type StreamRequest struct {
	ReqID              string
	APIKey             string
	AuthToken          string
	BackendURL         string
	Model              string
	Input              string
	Instructions       string
	PreviousResponseID string
}

// StreamDelta is one incremental text chunk.
type StreamDelta struct {
	ReqID string
	Delta string
}

// StreamDone terminates a stream successfully.
type StreamDone struct {
	ReqID      string
	ResponseID string
	Usage      *Usage
}

// StreamError terminates a stream with a failure the client surfaces.
type StreamError struct {
	ReqID string
	Error string
}

func (m Action) MessageType() string           { return TypeAction }
func (m QuestionRequest) MessageType() string  { return TypeQuestionRequest }
func (m QuestionSnapshot) MessageType() string { return TypeQuestionSnapshot }
func (m StreamRequest) MessageType() string    { return TypeStreamRequest }
func (m StreamDelta) MessageType() string      { return TypeStreamDelta }
func (m StreamDone) MessageType() string       { return TypeStreamDone }
func (m StreamError) MessageType() string      { return TypeStreamError }

func (m Action) RequestID() string           { return m.ReqID }
func (m QuestionRequest) RequestID() string  { return m.ReqID }
func (m QuestionSnapshot) RequestID() string { return m.ReqID }
func (m StreamRequest) RequestID() string    { return m.ReqID }
func (m StreamDelta) RequestID() string      { return m.ReqID }
func (m StreamDone) RequestID() string       { return m.ReqID }
func (m StreamError) RequestID() string      { return m.ReqID }

func (Action) sealed()           {}
func (QuestionRequest) sealed()  {}
func (QuestionSnapshot) sealed() {}
func (StreamRequest) sealed()    {}
func (StreamDelta) sealed()      {}
func (StreamDone) sealed()       {}
func (StreamError) sealed()      {}

// Message is one decoded protocol message. The set of implementations is
// closed: one variant per message type above.
type Message interface {
	MessageType() string
	RequestID() string
	sealed()
}
