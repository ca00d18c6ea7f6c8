package pipeline

import "testing"

// tagProtocol appends "down:" or "up:" plus its tag to a shared string log
// as an event passes through, so tests can observe ordering.
type tagProtocol struct {
	Base
	tag string
	log *[]string
}

func (p *tagProtocol) Name() string { return p.tag }
func (p *tagProtocol) HandleDown(evt Event) {
	*p.log = append(*p.log, "down:"+p.tag)
	p.PassDown(evt)
}
func (p *tagProtocol) HandleUp(evt Event) {
	*p.log = append(*p.log, "up:"+p.tag)
	p.PassUp(evt)
}

func TestStackOrdersDownThenUp(t *testing.T) {
	var log []string
	a := &tagProtocol{tag: "a", log: &log}
	b := &tagProtocol{tag: "b", log: &log}
	c := &tagProtocol{tag: "c", log: &log}

	var toXport, toApp []Event
	stack := NewStack(a, b, c)
	stack.SetTransportHandler(func(evt Event) { toXport = append(toXport, evt) })
	stack.SetApplicationHandler(func(evt Event) { toApp = append(toApp, evt) })

	stack.Down(Event{Kind: EvMsg})
	want := []string{"down:a", "down:b", "down:c"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log = %v, want %v", log, want)
		}
	}
	if len(toXport) != 1 {
		t.Fatalf("expected the injected event to reach the transport handler once, got %d", len(toXport))
	}

	log = nil
	stack.Up(Event{Kind: EvViewChange})
	wantUp := []string{"up:c", "up:b", "up:a"}
	for i := range wantUp {
		if log[i] != wantUp[i] {
			t.Fatalf("log = %v, want %v", log, wantUp)
		}
	}
	if len(toApp) != 1 {
		t.Fatalf("expected the injected event to reach the application handler once, got %d", len(toApp))
	}
}

func TestStackEmptyPassesThrough(t *testing.T) {
	var toXport, toApp []Event
	stack := NewStack()
	stack.SetTransportHandler(func(evt Event) { toXport = append(toXport, evt) })
	stack.SetApplicationHandler(func(evt Event) { toApp = append(toApp, evt) })

	stack.Down(Event{Kind: EvMsg})
	stack.Up(Event{Kind: EvMsg})
	if len(toXport) != 1 || len(toApp) != 1 {
		t.Fatalf("empty stack should pass Down to transport and Up to application directly")
	}
}
