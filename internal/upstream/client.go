// Package upstream defines the protocol client interface the instance
// runtime calls into. No wire format is owned here; that belongs to
// concrete implementations such as internal/upstream/wsclient.
package upstream

// SuccessCode is the Message.Code value meaning the upstream accepted the job.
const SuccessCode = 1

// Message is the synchronous reply to any submission call: whether the
// upstream accepted the job, and why not if it didn't.
type Message struct {
	Code        int
	Description string
}

// Accepted reports whether the upstream accepted the job.
func (m Message) Accepted() bool {
	return m.Code == SuccessCode
}

// Client is the protocol surface the instance runtime's typed wrappers and
// thunks call through. Implementations are responsible for all wire framing,
// authentication, and for mutating the TaskInfo bound to a request as
// inbound events arrive (progress, messageId, terminal status); the
// instance runtime only polls those fields, it never parses upstream frames.
type Client interface {
	Imagine(prompt, nonce string) (Message, error)
	Upscale(messageID string, index int, hash string, flags int64, nonce string) (Message, error)
	Variation(messageID string, index int, hash string, flags int64, nonce string) (Message, error)
	Reroll(messageID string, hash string, flags int64, nonce string) (Message, error)
	Action(messageID, customID string, flags int64, nonce string) (Message, error)
	Describe(finalFileName, nonce string) (Message, error)
	Blend(finalFileNames []string, dimensions string, nonce string) (Message, error)
	Upload(fileName, dataURL string) (Message, error)
	SendImageMessage(content, finalFileName string) (Message, error)
}

// TaskUpdater is the mutation surface a Registerer drives as inbound events
// arrive for a request it is tracking. Defined here rather than in
// internal/task so that Client implementations never need to import the
// task package: the instance runtime supplies an adapter over a *task.Info,
// not the type itself.
type TaskUpdater interface {
	SetProgress(p string)
	SetMessageID(id string)
	SetStatus(status string) error
	Fail(reason string) error
}

// Registerer is implemented by Client implementations that correlate
// inbound, asynchronously delivered events back to the task awaiting them by
// nonce. Not every Client needs this: one whose calls are synchronous
// round-trips has nothing to demultiplex later, so callers type-assert for
// it rather than requiring it on Client itself.
type Registerer interface {
	Register(nonce string, updater TaskUpdater)
	Unregister(nonce string)
}
