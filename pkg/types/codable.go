package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// referenceDate is the epoch used by the peer apps for encoded dates:
// a timestamp is a JSON number of seconds since 2001-01-01T00:00:00Z.
var referenceDate = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

var ErrInvalidModel = errors.New("invalid model")

// Timestamp wraps time.Time with the reference-date number encoding.
type Timestamp struct {
	time.Time
}

func Now() Timestamp {
	return Timestamp{time.Now().UTC().Truncate(time.Microsecond)}
}

func At(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Microsecond)}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	secs := float64(ts.Time.Sub(referenceDate).Microseconds()) / 1e6
	return []byte(strconv.FormatFloat(secs, 'f', -1, 64)), nil
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("%w: null timestamp", ErrInvalidModel)
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return fmt.Errorf("%w: timestamp out of range", ErrInvalidModel)
	}
	micros := int64(math.Round(secs * 1e6))
	ts.Time = referenceDate.Add(time.Duration(micros) * time.Microsecond)
	return nil
}

// Point is a 2D coordinate encoded as [x, y].
type Point struct {
	X float64
	Y float64
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(b []byte) error {
	var xy []float64
	if err := json.Unmarshal(b, &xy); err != nil {
		return fmt.Errorf("point: %w", err)
	}
	if len(xy) != 2 {
		return fmt.Errorf("%w: point needs 2 coordinates, got %d", ErrInvalidModel, len(xy))
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// Path is the ordered list of points sent with drawPath.
type Path []Point

func (p Path) MarshalJSON() ([]byte, error) {
	return json.Marshal(orEmpty([]Point(p)))
}

func (p Path) Validate() error {
	for i, pt := range p {
		if math.IsNaN(pt.X) || math.IsNaN(pt.Y) || math.IsInf(pt.X, 0) || math.IsInf(pt.Y, 0) {
			return fmt.Errorf("%w: path point %d is not finite", ErrInvalidModel, i)
		}
	}
	return nil
}

// orEmpty keeps absent lists as [] on the wire; the peer apps decode lists
// as non-optional.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidModel}, args...)...)
}
