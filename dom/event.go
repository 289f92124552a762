package dom

import "errors"

// Synthetic event types dispatched after a mutation.
const (
	EventInput  = "input"
	EventChange = "change"
	EventFocus  = "focus"
	EventBlur   = "blur"
	EventKeyUp  = "keyup"
)

// Event is a synthetic change notification recorded on a document.
type Event struct {
	Type   string `json:"type"`
	Target NodeID `json:"target"`
	// Source names who raised it ("engine", "react", ...).
	Source string `json:"source,omitempty"`
}

// Listener observes dispatched events. A returned error is reported to the
// dispatcher but never stops other listeners.
type Listener func(d *Document, ev Event) error

// AddListener registers a listener for every subsequent Dispatch.
func (d *Document) AddListener(l Listener) {
	d.listeners = append(d.listeners, l)
}

// Dispatch records ev and delivers it to every listener. Listener errors are
// joined; a panicking listener is reported as an error.
func (d *Document) Dispatch(ev Event) error {
	d.events = append(d.events, ev)
	var errs []error
	for _, l := range d.listeners {
		if err := safeCall(l, d, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Events returns the events dispatched so far, oldest first.
func (d *Document) Events() []Event {
	return append([]Event(nil), d.events...)
}

func safeCall(l Listener, d *Document, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ListenerPanic{Event: ev, Value: r}
		}
	}()
	return l(d, ev)
}
