package index

import (
	log "github.com/sirupsen/logrus"
	pb "go.livestore.dev/core/protocol"
)

// networkErrors tracks at most one message per error category.
type networkErrors struct {
	messages  map[pb.ErrorCategory]string
	listeners []*Listener
}

// SetNetworkError records |message| as the active error of |category|.
// Listeners are notified only if |category| was not already active.
func (ix *Index) SetNetworkError(category pb.ErrorCategory, message string) {
	ix.mu.Lock()
	var _, active = ix.errs.messages[category]
	ix.errs.messages[category] = message

	if !active {
		log.WithFields(log.Fields{
			"category": category,
			"message":  message,
		}).Error("network error")
		ix.notifyErrors()
	}
	ix.mu.Unlock()

	ix.drain()
}

// ClearNetworkError clears the active error of |category|, if any.
// Listeners are notified only if |category| was active.
func (ix *Index) ClearNetworkError(category pb.ErrorCategory) {
	ix.mu.Lock()
	var _, active = ix.errs.messages[category]
	if active {
		delete(ix.errs.messages, category)

		log.WithField("category", category).Info("network error cleared")
		ix.notifyErrors()
	}
	ix.mu.Unlock()

	ix.drain()
}

// GetNetworkErrorMessages returns the messages of active error categories,
// in the stable order of pb.ErrorCategories.
func (ix *Index) GetNetworkErrorMessages() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.errorMessages()
}

// errorMessages requires |ix.mu| is held.
func (ix *Index) errorMessages() []string {
	var out []string
	for _, c := range pb.ErrorCategories {
		if msg, ok := ix.errs.messages[c]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// notifyErrors requires |ix.mu| is held.
func (ix *Index) notifyErrors() {
	var messages = ix.errorMessages()
	for _, l := range ix.errs.listeners {
		var fn = l.onErrors
		ix.enqueue(l, func() { fn(messages) })
	}
}
