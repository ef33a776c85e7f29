package partstat

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// errorList keeps the first max error messages of a run and counts the
// rest. It is safe for concurrent use.
type errorList struct {
	mu         sync.Mutex
	max        int
	messages   []string
	suppressed int
}

func newErrorList(max int) *errorList {
	return &errorList{
		max:      max,
		messages: make([]string, 0),
	}
}

// Addf records a formatted error message.
func (l *errorList) Addf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Error(msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.messages) < l.max {
		l.messages = append(l.messages, msg)
	} else {
		l.suppressed++
	}
}

// Len returns the number of recorded errors, suppressed ones included.
func (l *errorList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages) + l.suppressed
}

// Messages returns the kept messages, followed by a summary line when
// messages were suppressed.
func (l *errorList) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	messages := append([]string{}, l.messages...)
	if l.suppressed > 0 {
		messages = append(messages, fmt.Sprintf("...and %d more.", l.suppressed))
	}
	return messages
}
