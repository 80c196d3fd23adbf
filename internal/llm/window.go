package llm

// DefaultWindowSize is the number of messages sent to a backend: the system
// prompt plus the ten most recent turns.
const DefaultWindowSize = 11

// Window bounds the context sent to a backend. Conversations of at most size
// messages are returned whole. Longer ones keep a leading system message plus
// the last size-1 messages, or the last size messages when there is no system
// message. The result never aliases msgs.
func Window(msgs []Message, size int) []Message {
	if size < 1 {
		size = DefaultWindowSize
	}
	if len(msgs) <= size {
		out := make([]Message, len(msgs))
		copy(out, msgs)
		return out
	}

	out := make([]Message, 0, size)
	if msgs[0].Role == RoleSystem {
		out = append(out, msgs[0])
		return append(out, msgs[len(msgs)-(size-1):]...)
	}
	return append(out, msgs[len(msgs)-size:]...)
}
