package logstream

import (
	"context"
)

// Streamer ties the durable store to the fan-out bus. Producers append
// through it; consumers get replay-then-live delivery with at-least-once
// semantics, deduplicated by sequence number.
type Streamer struct {
	store Store
	bus   *Bus
}

func NewStreamer(store Store, bus *Bus) *Streamer {
	return &Streamer{store: store, bus: bus}
}

// Append persists the entry, then broadcasts it with its assigned seq.
func (s *Streamer) Append(ctx context.Context, e Entry) (int64, error) {
	seq, err := s.store.Append(ctx, e)
	if err != nil {
		return 0, err
	}
	e.Seq = seq
	s.bus.Publish(ctx, e)
	return seq, nil
}

// History returns durable entries with seq > after.
func (s *Streamer) History(ctx context.Context, scope string, after int64) ([]Entry, error) {
	return s.store.ListSince(ctx, scope, after)
}

// Subscribe yields entries for a scope starting after the given sequence
// number: history first, then live delivery. An entry may arrive through
// both paths; duplicates are filtered here so consumers see each seq once
// per subscription. The channel closes when ctx ends.
func (s *Streamer) Subscribe(ctx context.Context, scope string, after int64) (<-chan Entry, error) {
	live, cancel := s.bus.Subscribe(scope)

	history, err := s.store.ListSince(ctx, scope, after)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Entry, subscriberBuffer)
	go func() {
		defer cancel()
		defer close(out)

		last := after
		for _, e := range history {
			select {
			case <-ctx.Done():
				return
			case out <- e:
				if e.Seq > last {
					last = e.Seq
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-live:
				if !ok {
					return
				}
				if e.Seq <= last {
					continue
				}
				// A drop in live delivery shows up as a gap; refill
				// from the durable store before resuming.
				if e.Seq > last+1 {
					missed, err := s.store.ListSince(ctx, scope, last)
					if err == nil {
						for _, m := range missed {
							if m.Seq <= last {
								continue
							}
							select {
							case <-ctx.Done():
								return
							case out <- m:
								last = m.Seq
							}
						}
					}
					if e.Seq <= last {
						continue
					}
				}
				select {
				case <-ctx.Done():
					return
				case out <- e:
					last = e.Seq
				}
			}
		}
	}()
	return out, nil
}
