package ksync

import (
	"fmt"
	"time"

	"github.com/joshuapare/oskit/kernel/thread"
)

// Message is one message queue entry.
type Message any

// Flag selects whether a message queue operation waits.
type Flag uint8

const (
	// NoBlock makes Send and Jam fail with ErrFull, and Receive with ErrEmpty,
	// instead of waiting.
	NoBlock Flag = iota
	// Block waits until the operation can complete.
	Block
)

// MessageQueue is a bounded circular buffer of messages.
type MessageQueue struct {
	tm    *thread.Manager
	buf   []Message
	head  int
	n     int
	sendQ thread.WaitQueue // senders waiting for space
	recvQ thread.WaitQueue // receivers waiting for a message
}

// NewMessageQueue returns an empty queue holding at most capacity messages.
func NewMessageQueue(tm *thread.Manager, capacity int) (*MessageQueue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d", ErrBadCapacity, capacity)
	}
	return &MessageQueue{tm: tm, buf: make([]Message, capacity)}, nil
}

// Send appends msg, waiting for space if the queue is full and flag is Block.
func (mq *MessageQueue) Send(msg Message, flag Flag) error {
	return mq.put(msg, false, flag == Block, thread.Forever)
}

// Jam inserts msg at the front so it is received before everything already
// queued.
func (mq *MessageQueue) Jam(msg Message, flag Flag) error {
	return mq.put(msg, true, flag == Block, thread.Forever)
}

// SendTimeout is a blocking Send that gives up with kerr.ErrTimeout after d.
func (mq *MessageQueue) SendTimeout(msg Message, d time.Duration) error {
	return mq.put(msg, false, true, d)
}

// JamTimeout is a blocking Jam that gives up with kerr.ErrTimeout after d.
func (mq *MessageQueue) JamTimeout(msg Message, d time.Duration) error {
	return mq.put(msg, true, true, d)
}

// Receive removes the front message, waiting for one if the queue is empty
// and flag is Block.
func (mq *MessageQueue) Receive(flag Flag) (Message, error) {
	return mq.get(flag == Block, thread.Forever)
}

// ReceiveTimeout is a blocking Receive that gives up with kerr.ErrTimeout after d.
func (mq *MessageQueue) ReceiveTimeout(d time.Duration) (Message, error) {
	return mq.get(true, d)
}

func (mq *MessageQueue) put(msg Message, front, block bool, d time.Duration) error {
	mq.tm.Lock()
	defer mq.tm.Unlock()

	deadline := deadlineFor(d)
	for mq.n == len(mq.buf) {
		if !block {
			return ErrFull
		}
		if err := mq.tm.BlockLocked(&mq.sendQ, remaining(deadline)); err != nil {
			return err
		}
	}

	size := len(mq.buf)
	if front {
		mq.head = (mq.head + size - 1) % size
		mq.buf[mq.head] = msg
	} else {
		mq.buf[(mq.head+mq.n)%size] = msg
	}
	mq.n++
	mq.tm.WakeOneLocked(&mq.recvQ)
	return nil
}

func (mq *MessageQueue) get(block bool, d time.Duration) (Message, error) {
	mq.tm.Lock()
	defer mq.tm.Unlock()

	deadline := deadlineFor(d)
	for mq.n == 0 {
		if !block {
			return nil, ErrEmpty
		}
		if err := mq.tm.BlockLocked(&mq.recvQ, remaining(deadline)); err != nil {
			return nil, err
		}
	}

	msg := mq.buf[mq.head]
	mq.buf[mq.head] = nil
	mq.head = (mq.head + 1) % len(mq.buf)
	mq.n--
	mq.tm.WakeOneLocked(&mq.sendQ)
	return msg, nil
}

// Len returns the number of queued messages.
func (mq *MessageQueue) Len() int {
	mq.tm.Lock()
	defer mq.tm.Unlock()
	return mq.n
}

// Cap returns the queue capacity.
func (mq *MessageQueue) Cap() int { return len(mq.buf) }

// deadlineFor turns a relative timeout into an absolute one. The zero Time
// means no deadline.
func deadlineFor(d time.Duration) time.Time {
	if d < 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// remaining returns the timeout left until deadline, or thread.Forever.
func remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return thread.Forever
	}
	return max(time.Until(deadline), 0)
}
