package pipeline

// Stack wires an ordered vector of Protocols into a chain: application ⇄
// Protocols[0] ⇄ Protocols[1] ⇄ ... ⇄ Protocols[n-1] ⇄ transport. It is
// built once at configuration time, per spec.md §9.
type Stack struct {
	protocols []Protocol

	// toApp is invoked for events that reach the top of the stack; toXport
	// for events that reach the bottom.
	toApp  func(Event)
	toXport func(Event)
}

// NewStack wires protocols, lowest in the slice first matching
// application-to-transport order, and returns the assembled Stack.
// protocols[0] is closest to the application, protocols[len-1] closest to
// the transport.
func NewStack(protocols ...Protocol) *Stack {
	s := &Stack{protocols: protocols}
	for i, p := range protocols {
		i := i
		if i+1 < len(protocols) {
			next := protocols[i+1]
			p.SetDownHandler(next.HandleDown)
		} else {
			p.SetDownHandler(func(evt Event) {
				if s.toXport != nil {
					s.toXport(evt)
				}
			})
		}
		if i-1 >= 0 {
			prev := protocols[i-1]
			p.SetUpHandler(prev.HandleUp)
		} else {
			p.SetUpHandler(func(evt Event) {
				if s.toApp != nil {
					s.toApp(evt)
				}
			})
		}
	}
	return s
}

// SetApplicationHandler installs the callback invoked for events that climb
// past the topmost protocol (destined for the application).
func (s *Stack) SetApplicationHandler(f func(Event)) { s.toApp = f }

// SetTransportHandler installs the callback invoked for events that fall
// past the bottommost protocol (destined for the transport).
func (s *Stack) SetTransportHandler(f func(Event)) { s.toXport = f }

// Down injects evt at the top of the stack, as the application would.
func (s *Stack) Down(evt Event) {
	if len(s.protocols) == 0 {
		if s.toXport != nil {
			s.toXport(evt)
		}
		return
	}
	s.protocols[0].HandleDown(evt)
}

// Up injects evt at the bottom of the stack, as the transport would.
func (s *Stack) Up(evt Event) {
	if len(s.protocols) == 0 {
		if s.toApp != nil {
			s.toApp(evt)
		}
		return
	}
	s.protocols[len(s.protocols)-1].HandleUp(evt)
}

// Protocol returns the i-th protocol in the chain (0 = closest to the
// application), for tests that need to reach into a specific layer.
func (s *Stack) Protocol(i int) Protocol {
	return s.protocols[i]
}
