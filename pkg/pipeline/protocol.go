package pipeline

// Protocol is the two-method interface spec.md §9 calls for: "Model each
// protocol as a value with two methods handleUp(Event), handleDown(Event)
// and explicit next/prev handles; the chain is a vector built at
// configuration time. No subtype polymorphism is required beyond this
// pair." HandleDown/HandleUp are invoked by the neighboring protocol (or by
// Stack at the two ends); a Protocol emits further events by calling the
// handler functions installed on it via SetDownHandler/SetUpHandler.
type Protocol interface {
	// Name identifies the protocol in logs and error messages.
	Name() string

	// HandleDown processes an Event traveling from the application toward
	// the transport.
	HandleDown(Event)

	// HandleUp processes an Event traveling from the transport toward the
	// application.
	HandleUp(Event)

	// SetDownHandler installs the continuation that sends an Event further
	// down the stack (toward the transport).
	SetDownHandler(func(Event))

	// SetUpHandler installs the continuation that sends an Event further up
	// the stack (toward the application).
	SetUpHandler(func(Event))
}

// Base is embedded by concrete protocols to get the down/up continuation
// plumbing for free; it satisfies the handler-setter half of Protocol.
type Base struct {
	down func(Event)
	up   func(Event)
}

func (b *Base) SetDownHandler(f func(Event)) { b.down = f }
func (b *Base) SetUpHandler(f func(Event))   { b.up = f }

// PassDown sends evt further down the stack, or drops it silently if this is
// the bottom of the chain and no transport handler was installed.
func (b *Base) PassDown(evt Event) {
	if b.down != nil {
		b.down(evt)
	}
}

// PassUp sends evt further up the stack, or drops it silently if this is the
// top of the chain and no application handler was installed.
func (b *Base) PassUp(evt Event) {
	if b.up != nil {
		b.up(evt)
	}
}
