package queue

import "chatengine/internal/models"

// lane is one session's outbound queue. Messages leave a lane one at a
// time: while inflight is set nothing else from the session is dispatched.
type lane struct {
	high     []*models.QueuedMessage
	normal   []*models.QueuedMessage
	delayed  int
	inflight bool
}

func (l *lane) push(msg *models.QueuedMessage) {
	if msg.Priority == models.PriorityHigh {
		l.high = append(l.high, msg)
		return
	}
	l.normal = append(l.normal, msg)
}

// pushFront returns a message that could not be handed to a worker.
func (l *lane) pushFront(msg *models.QueuedMessage) {
	if msg.Priority == models.PriorityHigh {
		l.high = append([]*models.QueuedMessage{msg}, l.high...)
		return
	}
	l.normal = append([]*models.QueuedMessage{msg}, l.normal...)
}

func (l *lane) pop() *models.QueuedMessage {
	if len(l.high) > 0 {
		msg := l.high[0]
		l.high[0] = nil
		l.high = l.high[1:]
		return msg
	}
	if len(l.normal) > 0 {
		msg := l.normal[0]
		l.normal[0] = nil
		l.normal = l.normal[1:]
		return msg
	}
	return nil
}

func (l *lane) ready() int {
	return len(l.high) + len(l.normal)
}

func (l *lane) depth() int {
	n := l.ready() + l.delayed
	if l.inflight {
		n++
	}
	return n
}
