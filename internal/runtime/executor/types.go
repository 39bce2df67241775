// Package executor dispatches already-built provider payloads to their
// upstream endpoint and hands back either a single response or a channel of
// streamed chunks, mirroring the shape of a provider-specific executor in a
// multi-provider gateway.
package executor

// Request carries a pre-built upstream payload and the model that produced
// it. The executor does not know how to build this payload; that is the
// transcoder's job.
type Request struct {
	Model   string
	Payload []byte
}

// Options carries per-call tuning the caller controls.
type Options struct {
	Stream bool
}

// Response is a single non-streamed result.
type Response struct {
	Payload []byte
}

// StreamChunk is one unit of a streamed result. Err is set, and Payload is
// nil, on the final chunk of a failed stream.
type StreamChunk struct {
	Payload []byte
	Err     error
}
