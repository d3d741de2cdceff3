package routing

import "sync"

// Labels is the display-name side table filled whenever a target or user list is rendered.
type Labels struct {
	mu     sync.RWMutex
	labels map[Key]string
}

// NewLabels constructs an empty label table.
func NewLabels() *Labels {
	return &Labels{labels: make(map[Key]string)}
}

// Remember records the display name for key. Empty names are ignored.
func (l *Labels) Remember(key Key, name string) {
	if name == "" || key.IsZero() {
		return
	}
	l.mu.Lock()
	l.labels[key] = name
	l.mu.Unlock()
}

// Label returns the remembered name or the raw id when the key was never rendered.
func (l *Labels) Label(key Key) string {
	if l != nil {
		l.mu.RLock()
		name, ok := l.labels[key]
		l.mu.RUnlock()
		if ok {
			return name
		}
	}
	return key.ID
}
