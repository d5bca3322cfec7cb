package signaling

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	mirrorQueueSize = 1024
	mirrorTimeout   = 2 * time.Second
)

type mirrorKind int

const (
	mirrorJoin mirrorKind = iota
	mirrorLeave
	mirrorFlag
)

type mirrorOp struct {
	kind    mirrorKind
	room    string
	id      string
	name    string
	flag    string
	enabled bool
}

// mirror copies registry changes into the optional external stores on its own
// goroutine so Redis latency never delays relaying.
type mirror struct {
	presence  PresenceStore
	flags     FlagStore
	usernames UsernameStore
	logger    *log.Logger

	ops  chan mirrorOp
	once sync.Once
	done chan struct{}
}

func newMirror(p PresenceStore, f FlagStore, u UsernameStore, logger *log.Logger) *mirror {
	if p == nil && f == nil && u == nil {
		return nil
	}
	m := &mirror{
		presence:  p,
		flags:     f,
		usernames: u,
		logger:    logger,
		ops:       make(chan mirrorOp, mirrorQueueSize),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mirror) push(op mirrorOp) {
	if m == nil {
		return
	}
	select {
	case <-m.done:
	case m.ops <- op:
	default:
		m.logger.Printf("mirror: queue full, dropping %d op for %s/%s", op.kind, op.room, op.id)
	}
}

func (m *mirror) stop() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.done) })
}

func (m *mirror) run() {
	for {
		select {
		case <-m.done:
			return
		case op := <-m.ops:
			m.apply(op)
		}
	}
}

func (m *mirror) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	switch op.kind {
	case mirrorJoin:
		if m.presence != nil {
			if err := m.presence.AddPeer(ctx, op.room, op.id); err != nil {
				m.logger.Printf("mirror: presence add: %v", err)
			}
		}
		if m.usernames != nil {
			if err := m.usernames.SetUsername(ctx, op.room, op.id, op.name); err != nil {
				m.logger.Printf("mirror: username set: %v", err)
			}
		}
		if m.flags != nil {
			for _, f := range []string{"audio", "video"} {
				if err := m.flags.SetFlag(ctx, op.room, op.id, f, true); err != nil {
					m.logger.Printf("mirror: flag set: %v", err)
				}
			}
		}
	case mirrorLeave:
		if m.presence != nil {
			if err := m.presence.RemovePeer(ctx, op.room, op.id); err != nil {
				m.logger.Printf("mirror: presence remove: %v", err)
			}
		}
		if m.usernames != nil {
			if err := m.usernames.RemovePeer(ctx, op.room, op.id); err != nil {
				m.logger.Printf("mirror: username remove: %v", err)
			}
		}
		if m.flags != nil {
			if err := m.flags.RemovePeer(ctx, op.room, op.id); err != nil {
				m.logger.Printf("mirror: flag remove: %v", err)
			}
		}
	case mirrorFlag:
		if m.flags != nil {
			if err := m.flags.SetFlag(ctx, op.room, op.id, op.flag, op.enabled); err != nil {
				m.logger.Printf("mirror: flag set: %v", err)
			}
		}
	}
}
