package research

// Event is any of the tagged records pushed over the stream. Each concrete
// event carries its own "type" discriminator so the client can switch on it.
type Event any

type SessionStartedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Intent    string `json:"intent"`
}

type QuickReplyEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type IntentRewrittenEvent struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

type StageStartedEvent struct {
	Type  string `json:"type"`
	Stage string `json:"stage"`
	Label string `json:"label"`
}

type StageCompletedEvent struct {
	Type  string `json:"type"`
	Stage string `json:"stage"`
}

type ResultReadyEvent struct {
	Type  string `json:"type"`
	Block Block  `json:"block"`
}

type ResultErrorEvent struct {
	Type      string `json:"type"`
	BlockName string `json:"block_name"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

type SelectionNeededEvent struct {
	Type      string                  `json:"type"`
	Questions []ClarificationQuestion `json:"questions"`
}

type AwaitingSelectionEvent struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
}

type PipelineCompletedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
}

type FatalErrorEvent struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	ErrorCode   string `json:"error_code"`
}

func sessionStarted(sessionID, intent string) SessionStartedEvent {
	return SessionStartedEvent{Type: "session_started", SessionID: sessionID, Intent: intent}
}

func quickReply(message string) QuickReplyEvent {
	return QuickReplyEvent{Type: "quick_reply", Message: message}
}

func intentRewritten(from, to, message string) IntentRewrittenEvent {
	return IntentRewrittenEvent{Type: "intent_rewritten", From: from, To: to, Message: message}
}

func stageStarted(stage, label string) StageStartedEvent {
	return StageStartedEvent{Type: "stage_started", Stage: stage, Label: label}
}

func stageCompleted(stage string) StageCompletedEvent {
	return StageCompletedEvent{Type: "stage_completed", Stage: stage}
}

func resultReady(block Block) ResultReadyEvent {
	return ResultReadyEvent{Type: "result_ready", Block: block}
}

func resultError(blockName, message, code string) ResultErrorEvent {
	return ResultErrorEvent{Type: "result_error", BlockName: blockName, Error: message, ErrorCode: code}
}

func selectionNeeded(questions []ClarificationQuestion) SelectionNeededEvent {
	return SelectionNeededEvent{Type: "selection_needed", Questions: questions}
}

func awaitingSelection(kind string) AwaitingSelectionEvent {
	return AwaitingSelectionEvent{Type: "awaiting_selection", Kind: kind}
}

func pipelineCompleted(sessionID, summary string) PipelineCompletedEvent {
	return PipelineCompletedEvent{Type: "pipeline_completed", SessionID: sessionID, Summary: summary}
}

func fatalError(message string, recoverable bool, code string) FatalErrorEvent {
	return FatalErrorEvent{Type: "fatal_error", Message: message, Recoverable: recoverable, ErrorCode: code}
}
