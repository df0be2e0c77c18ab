package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/backlog-assistant/internal/session"
)

// ErrLeaseLost means another request took over the session while this
// one was still working on it.
var ErrLeaseLost = errors.New("session lease lost to another request")

// sessionLease is one request's hold on a session. The holder renews it
// at every step boundary and in the background until release.
type sessionLease struct {
	store  session.Store
	id     string
	holder string
	ttl    time.Duration
	log    *slog.Logger

	stop chan struct{}
	done chan struct{}
}

func acquireLease(ctx context.Context, store session.Store, id string, ttl time.Duration, log *slog.Logger) (*sessionLease, error) {
	l := &sessionLease{
		store:  store,
		id:     id,
		holder: uuid.NewString(),
		ttl:    ttl,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := store.AcquireLease(ctx, id, l.holder, ttl); err != nil {
		if errors.Is(err, session.ErrLeaseHeld) {
			return nil, ErrSessionBusy
		}
		return nil, fmt.Errorf("acquire session lease: %w", err)
	}
	go l.keepAlive(ctx)
	return l, nil
}

// renew extends the lease by a full TTL. It fails with ErrLeaseLost if
// another holder has it.
func (l *sessionLease) renew(ctx context.Context) error {
	err := l.store.AcquireLease(ctx, l.id, l.holder, l.ttl)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrLeaseHeld):
		return ErrLeaseLost
	default:
		return fmt.Errorf("renew session lease: %w", err)
	}
}

func (l *sessionLease) keepAlive(ctx context.Context) {
	defer close(l.done)
	tick := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := l.renew(ctx); err != nil {
				l.log.Warn("renew session lease", "session_id", l.id, "error", err)
			}
		}
	}
}

// release stops the background renewal and gives the lease back. It
// runs on a detached context so a cancelled request still releases.
func (l *sessionLease) release(ctx context.Context) {
	close(l.stop)
	<-l.done

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.store.ReleaseLease(rctx, l.id, l.holder); err != nil {
		l.log.Warn("release session lease", "session_id", l.id, "error", err)
	}
}
