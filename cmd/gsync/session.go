package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/godiwi/statesync/internal/syncer"
	"github.com/godiwi/statesync/internal/transport"
)

// session is a sync engine running in the background of a command.
type session struct {
	engine  *syncer.Engine
	updates chan syncer.Status
	errc    chan error
	cancel  context.CancelFunc
}

func newClient() (*transport.Client, error) {
	opts := cfg.ClientOptions(logger.WithPrefix("http"))
	opts.ClientID = clientID
	return transport.NewClient(opts)
}

// openSession starts an engine and waits for its first successful fetch.
func openSession(ctx context.Context, onUpdate func(syncer.Status)) (*session, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	s := &session{
		updates: make(chan syncer.Status, 1),
		errc:    make(chan error, 1),
	}

	ec := syncer.DefaultConfig()
	ec.Policy = policy
	ec.Logger = logger.WithPrefix("sync")
	ec.OnUpdate = func(st syncer.Status) {
		if onUpdate != nil {
			onUpdate(st)
		}
		s.publish(st)
	}

	s.engine, err = syncer.New(client, ec)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() { s.errc <- s.engine.Run(runCtx) }()

	if _, err := s.settle(ctx); err != nil {
		s.Close()
		return nil, err
	}
	select {
	case <-s.engine.Ready():
		return s, nil
	default:
		s.Close()
		return nil, fmt.Errorf("cannot reach job server at %s", cfg.Server.URL)
	}
}

// publish keeps only the latest status in s.updates.
func (s *session) publish(st syncer.Status) {
	for {
		select {
		case s.updates <- st:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// until blocks until cond holds for the engine status.
func (s *session) until(ctx context.Context, cond func(syncer.Status) bool) (syncer.Status, error) {
	st, err := s.engine.Status(ctx)
	for err == nil {
		if cond(st) {
			return st, nil
		}
		select {
		case st = <-s.updates:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if errors.Is(err, syncer.ErrStopped) {
		return st, fmt.Errorf("sync engine stopped: %w", err)
	}
	return st, err
}

// settle waits until no request or push handshake is outstanding.
func (s *session) settle(ctx context.Context) (syncer.Status, error) {
	return s.until(ctx, func(st syncer.Status) bool {
		return st.Pending == 0 && !st.IsUpdating && !st.PushConnecting
	})
}

func (s *session) Close() error {
	s.cancel()
	return <-s.errc
}
