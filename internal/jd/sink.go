package jd

// Sink receives every frame that reaches a wire or arrives from one, for
// tracing. A Sink is installed once at startup and is read-only afterwards.
type Sink interface {
	LogFrame(Frame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame)

func (fn SinkFunc) LogFrame(f Frame) { fn(f) }

// NopSink discards frames.
type NopSink struct{}

func (NopSink) LogFrame(Frame) {}

// FrameHandler consumes complete frames produced by a transport.
type FrameHandler interface {
	HandleFrame(Frame) error
}

// HandlerFunc adapts a function to FrameHandler.
type HandlerFunc func(Frame) error

func (fn HandlerFunc) HandleFrame(f Frame) error { return fn(f) }
