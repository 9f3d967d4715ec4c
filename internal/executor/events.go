package executor

// EventKind names the category of a progress event emitted by the
// executor so external observers can surface progress without polling.
type EventKind string

const (
	EventStageStarted       EventKind = "stage:started"
	EventStageCompleted     EventKind = "stage:completed"
	EventStageFailed        EventKind = "stage:failed"
	EventStageSkipped       EventKind = "stage:skipped"
	EventOutput             EventKind = "output"
	EventVerificationResult EventKind = "verification:result"
	EventFactoryStarted     EventKind = "factory:started"
	EventFactoryCompleted   EventKind = "factory:completed"
	EventFactoryFailed      EventKind = "factory:failed"
)

// Event is one progress notification. StageID is empty for factory-level
// events. Data carries event-specific detail (stage output, error text,
// a line of captured subprocess output).
type Event struct {
	Kind    EventKind
	StageID string
	Data    any
}

// Emitter is a buffered channel of events plus the send discipline: emit
// never blocks a stage on a slow or absent consumer, it drops the event
// instead once the buffer is full.
type Emitter struct {
	ch chan Event
}

// NewEmitter creates an Emitter with the given buffer size.
func NewEmitter(buffer int) *Emitter {
	return &Emitter{ch: make(chan Event, buffer)}
}

// Events returns the receive-only event channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Emit sends an event, dropping it silently if the buffer is full rather
// than stalling stage execution on a slow observer.
func (e *Emitter) Emit(kind EventKind, stageID string, data any) {
	select {
	case e.ch <- Event{Kind: kind, StageID: stageID, Data: data}:
	default:
	}
}

// Close closes the event channel. Callers must stop emitting before
// calling Close.
func (e *Emitter) Close() {
	close(e.ch)
}
