package dom

import "fmt"

// ListenerPanic reports a listener that panicked during Dispatch.
type ListenerPanic struct {
	Event Event
	Value any
}

func (e *ListenerPanic) Error() string {
	return fmt.Sprintf("dom: listener panicked on %q: %v", e.Event.Type, e.Value)
}
