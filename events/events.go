package events

// Record is the flattened form of an event, suitable for logging, metrics
// labels and the gateway's read-model refresh.
type Record struct {
	Type       string
	Attributes map[string]string
}

// Event represents a structured state change emitted by the node.
type Event interface {
	EventType() string
	Record() *Record
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, the gateway
// order index, log sinks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default for components that expose events optionally.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Multi fans every event out to all given emitters, skipping nils.
func Multi(emitters ...Emitter) Emitter {
	live := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			live = append(live, e)
		}
	}
	return EmitterFunc(func(e Event) {
		for _, emitter := range live {
			emitter.Emit(e)
		}
	})
}
