package gpiocontrol

// StateNotification is the push message sent to the host whenever a switch
// drives its channel: the channel id plus the new state word.
type StateNotification struct {
	ID    int    `json:"id"`
	State string `json:"state"`
}

// StateNotifier receives one notification per dispatched switch event.
// Implementations must not block for long, they run on the dispatcher.
type StateNotifier interface {
	NotifyState(StateNotification)
}

// NotifierFunc adapts a plain function to StateNotifier.
type NotifierFunc func(StateNotification)

func (f NotifierFunc) NotifyState(n StateNotification) {
	f(n)
}

// MultiNotifier fans a notification out to several sinks.
type MultiNotifier []StateNotifier

func (m MultiNotifier) NotifyState(n StateNotification) {
	for _, sink := range m {
		if sink != nil {
			sink.NotifyState(n)
		}
	}
}

func stateWord(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
