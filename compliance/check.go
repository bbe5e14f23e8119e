package compliance

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// Check runs the identity round trips and the double scenario against the peer
// behind c. It stops at the first mismatch.
func Check(ctx context.Context, c *Client) error {
	steps := []func(context.Context, *Client) error{
		roundTrip[uint8](0, math.MaxUint8),
		roundTrip[uint16](0, math.MaxUint16),
		roundTrip[uint32](0, math.MaxUint32),
		roundTrip[uint64](0, math.MaxUint64),
		roundTrip[int8](0, math.MinInt8, math.MaxInt8),
		roundTrip[int16](0, math.MinInt16, math.MaxInt16),
		roundTrip[int32](0, math.MinInt32, math.MaxInt32),
		roundTrip[int64](0, math.MinInt64, math.MaxInt64),
		roundTrip(true, false),
		roundTrip("", "Short", strings.Repeat("Long", 128), strings.Repeat("Longer", 10_000)),
		roundTrip([]byte{}, []byte{0, 13, 61, 23, 0, 32, 51, 12, 0}),
		roundTrip(
			time.Unix(0, 0),                 // epoch
			time.Unix(1561378047, 0),        // a recent second
			time.Unix(1561378047, 2398),     // with nanoseconds
			time.Unix(7273195896, 0),        // year 2200
			time.Unix(7273195896, 23549),    // year 2200, with nanoseconds
			time.Unix(-14182980, 0),         // before the epoch
			time.Unix(19898323200, 2359807), // year 2600, with nanoseconds
		),
		roundTrip([]string{}, []string{"a", "", "ü"}),
		roundTrip(map[string]bool{}, map[string]bool{"yes": true, "no": false}),
		doubles,
	}
	for _, step := range steps {
		if err := step(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func roundTrip[T Value](values ...T) func(context.Context, *Client) error {
	return func(ctx context.Context, c *Client) error {
		method := identityMethod[T]()
		for _, want := range values {
			got, err := Identity(ctx, c, want)
			if err != nil {
				return fmt.Errorf("%s: %w", method, err)
			}
			if !same(want, got) {
				return fmt.Errorf("%s: expected %v, got %v", method, want, got)
			}
		}
		return nil
	}
}

// same compares identity values the way the wire sees them: instants rather than
// locations, and empty collections equal to nil ones.
func same[T Value](want, got T) bool {
	switch w := any(want).(type) {
	case time.Time:
		return w.Equal(any(got).(time.Time))
	case []byte:
		return bytes.Equal(w, any(got).([]byte))
	case []string:
		g := any(got).([]string)
		return len(w) == len(g) && (len(w) == 0 || reflect.DeepEqual(w, g))
	case map[string]bool:
		g := any(got).(map[string]bool)
		return len(w) == len(g) && (len(w) == 0 || reflect.DeepEqual(w, g))
	}
	return reflect.DeepEqual(want, got)
}

func doubles(ctx context.Context, c *Client) error {
	for _, x := range []int64{16, 0, -21, math.MaxInt64 / 2} {
		got, err := c.Double(ctx, x)
		if err != nil {
			return fmt.Errorf("double: %w", err)
		}
		if got != x*2 {
			return fmt.Errorf("double: expected %d, got %d", x*2, got)
		}
	}
	return nil
}
