package eva

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/evarobotics/evago/pkg/config"
	"github.com/evarobotics/evago/pkg/state"
	"github.com/evarobotics/evago/pkg/stream"
)

// backoff computes reconnect delays: InitialDelay * Multiplier^(n-1),
// capped at MaxDelay, then spread by up to ±Jitter.
type backoff struct {
	cfg  config.ReconnectConfig
	rand func() float64
}

func newBackoff(cfg config.ReconnectConfig) backoff {
	return backoff{cfg: cfg, rand: rand.Float64}
}

// Delay returns the wait after the nth consecutive failed attempt.
func (b backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(n-1))
	ceiling := float64(b.cfg.MaxDelay)
	if d > ceiling {
		d = ceiling
	}
	if b.cfg.Jitter > 0 {
		d = math.Min(d*(1+b.cfg.Jitter*(2*b.rand()-1)), ceiling)
	}
	return time.Duration(d)
}

// supervise feeds the cache from strm and replaces the stream whenever it
// fails. It is the only writer of the cache while connected.
func (s *Session) supervise(ctx context.Context, strm Stream) {
	for {
		err := s.consume(ctx, strm)
		strm.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("stream lost", "err", err)
		s.setStatus(StatusDegraded, err)

		strm, err = s.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.setStatus(StatusFailed, err)
			}
			return
		}
		s.setStatus(StatusConnected, nil)
	}
}

// consume folds messages until the stream fails. A stream error message
// counts as a failure.
func (s *Session) consume(ctx context.Context, strm Stream) error {
	for {
		msg, err := strm.Next(ctx)
		if err != nil {
			return err
		}

		var kind state.UpdateKind
		switch msg.Kind {
		case stream.KindHeartbeat:
			continue
		case stream.KindError:
			if msg.Err == nil {
				return errors.New("device stream error")
			}
			return msg.Err
		case stream.KindSnapshot:
			kind = state.Snapshot
		case stream.KindDelta:
			kind = state.Delta
		default:
			continue
		}

		fields, err := state.ParseFields(msg.Payload)
		if err != nil {
			s.logger.Warn("dropping undecodable update", "seq", msg.Seq, "err", err)
			continue
		}
		old := s.cache.Current()
		cur, changed := s.cache.Fold(state.Update{Kind: kind, Seq: msg.Seq, At: msg.ReceivedAt, Fields: fields})
		if changed {
			s.disp.Load().Dispatch(old, cur)
		}
	}
}

// reconnect retries establish until it succeeds, the context ends or the
// attempt limit is hit. The first attempt is immediate; each failure is
// followed by one backoff delay.
func (s *Session) reconnect(ctx context.Context) (Stream, error) {
	b := newBackoff(s.cfg.Stream.Reconnect)
	limit := s.cfg.Stream.Reconnect.MaxAttempts

	for attempt := 1; ; attempt++ {
		strm, err := s.establish(ctx)
		if err == nil {
			s.logger.Info("stream re-established", "attempt", attempt)
			return strm, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if limit > 0 && attempt >= limit {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, attempt, err)
		}

		delay := b.Delay(attempt)
		s.logger.Warn("reconnect failed", "attempt", attempt, "retry_in", delay, "err", err)
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-s.clock.After(delay):
		}
	}
}
