package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PolicyKind selects where consumption starts.
type PolicyKind int

const (
	Beginning PolicyKind = iota
	End
	Custom
)

func (k PolicyKind) String() string {
	switch k {
	case Beginning:
		return "Beginning"
	case End:
		return "End"
	case Custom:
		return "Custom"
	default:
		return fmt.Sprintf("PolicyKind(%d)", int(k))
	}
}

// OffsetPolicy is the consumer start configuration. In JSON it is either the
// string "Beginning" or "End", or
// {"Custom": {"start_timestamp": ms, "stop_timestamp": ms}} where
// stop_timestamp is optional.
type OffsetPolicy struct {
	Kind           PolicyKind
	StartTimestamp int64
	StopTimestamp  *int64
}

type customPolicy struct {
	StartTimestamp int64  `json:"start_timestamp"`
	StopTimestamp  *int64 `json:"stop_timestamp,omitempty"`
}

// HasStop reports whether consumption ends at a timestamp bound.
func (p OffsetPolicy) HasStop() bool {
	return p.Kind == Custom && p.StopTimestamp != nil
}

// PastStop reports whether a record timestamp lies beyond the stop bound.
func (p OffsetPolicy) PastStop(ts time.Time) bool {
	return p.HasStop() && ts.UnixMilli() > *p.StopTimestamp
}

func (p OffsetPolicy) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case Beginning, End:
		return json.Marshal(p.Kind.String())
	case Custom:
		return json.Marshal(map[string]customPolicy{
			"Custom": {StartTimestamp: p.StartTimestamp, StopTimestamp: p.StopTimestamp},
		})
	default:
		return nil, fmt.Errorf("unknown offset policy %s", p.Kind)
	}
}

func (p *OffsetPolicy) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "Beginning":
			*p = OffsetPolicy{Kind: Beginning}
		case "End":
			*p = OffsetPolicy{Kind: End}
		default:
			return fmt.Errorf("unknown consumer start config %q", s)
		}
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("consumer start config: %w", err)
	}
	raw, ok := obj["Custom"]
	if !ok || len(obj) != 1 {
		return fmt.Errorf("consumer start config must be \"Beginning\", \"End\" or {\"Custom\": {...}}")
	}
	var c customPolicy
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("custom consumer start config: %w", err)
	}
	if c.StopTimestamp != nil && *c.StopTimestamp < c.StartTimestamp {
		return fmt.Errorf("stop_timestamp %d is before start_timestamp %d", *c.StopTimestamp, c.StartTimestamp)
	}
	*p = OffsetPolicy{Kind: Custom, StartTimestamp: c.StartTimestamp, StopTimestamp: c.StopTimestamp}
	return nil
}

// StartPosition is the resolved start of one partition.
type StartPosition struct {
	Partition int32
	// Offset is the first offset to consume.
	Offset int64
	// End is the next offset to be written at resolution time.
	End int64
}

// Empty reports whether the partition held nothing to consume when resolved.
func (s StartPosition) Empty() bool {
	return s.Offset >= s.End
}

// Resolve turns the policy into start positions for every partition of topic.
// Each feed call is bounded by timeout.
func (p OffsetPolicy) Resolve(ctx context.Context, f Feed, topic string, timeout time.Duration) ([]StartPosition, error) {
	partitions, err := Call(ctx, timeout, func() ([]int32, error) { return f.Partitions(ctx, topic) })
	if err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("%w: topic %s has no partitions", ErrFeed, topic)
	}

	var (
		mu        sync.Mutex
		positions = make([]StartPosition, 0, len(partitions))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		g.Go(func() error {
			pos, err := p.resolvePartition(gctx, f, topic, partition, timeout)
			if err != nil {
				return err
			}
			mu.Lock()
			positions = append(positions, pos)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return positions, nil
}

func (p OffsetPolicy) resolvePartition(ctx context.Context, f Feed, topic string, partition int32, timeout time.Duration) (StartPosition, error) {
	offsetAt := func(at int64) (int64, error) {
		return Call(ctx, timeout, func() (int64, error) { return f.OffsetAt(ctx, topic, partition, at) })
	}

	end, err := offsetAt(OffsetNewest)
	if err != nil {
		return StartPosition{}, err
	}
	pos := StartPosition{Partition: partition, End: end}

	switch p.Kind {
	case Beginning:
		pos.Offset, err = offsetAt(OffsetOldest)
	case End:
		pos.Offset = end
	case Custom:
		pos.Offset, err = offsetAt(p.StartTimestamp)
		if err == nil && pos.Offset < 0 {
			pos.Offset = end
		}
	default:
		err = fmt.Errorf("unknown offset policy %s", p.Kind)
	}
	if err != nil {
		return StartPosition{}, err
	}
	return pos, nil
}
