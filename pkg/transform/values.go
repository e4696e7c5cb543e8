package transform

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// ErrBadValue is returned when a wire value does not parse as its field type.
var ErrBadValue = errors.New("value does not match field type")

// TimeLayout is the wire form of time-of-day values
const TimeLayout = "15:04:05.000Z"

var timeLayouts = []string{
	TimeLayout,
	"15:04:05.000Z07:00",
	"15:04:05Z07:00",
	"15:04:05.000",
	"15:04:05",
	"15:04",
}

// Deserialize converts the wire string form of a value into the Go value of
// its field type: int64, float64, common.Decimal, bool, time.Time, []byte or
// string. Time-of-day values are normalized to TimeLayout.
func Deserialize(t service.FieldType, raw string) (interface{}, error) {
	switch t {
	case service.TypeInt:
		// Base 10 only, so leading zeros never switch radix
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: int %q", ErrBadValue, raw)
		}
		return n, nil

	case service.TypeDouble, service.TypePercent:
		return parseDouble(raw)

	case service.TypeCurrency:
		d, err := common.ParseDecimal(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: currency %q", ErrBadValue, raw)
		}
		return d, nil

	case service.TypeBoolean:
		// Anything but a true literal is false
		b, err := cast.ToBoolE(strings.TrimSpace(raw))
		return err == nil && b, nil

	case service.TypeDate:
		ts, err := parseDateTime(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: date %q", ErrBadValue, raw)
		}
		y, m, d := ts.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil

	case service.TypeDateTime:
		ts, err := parseDateTime(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: datetime %q", ErrBadValue, raw)
		}
		return ts, nil

	case service.TypeTime:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts.UTC().Format(TimeLayout), nil
			}
		}
		return nil, fmt.Errorf("%w: time %q", ErrBadValue, raw)

	case service.TypeBase64:
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrBadValue, err)
		}
		return b, nil

	default:
		return raw, nil
	}
}

func parseDouble(raw string) (float64, error) {
	switch s := strings.TrimSpace(raw); s {
	case "NaN":
		return math.NaN(), nil
	case "INF":
		return math.Inf(1), nil
	case "-INF":
		return math.Inf(-1), nil
	default:
		f, err := cast.ToFloat64E(s)
		if err != nil {
			return 0, fmt.Errorf("%w: double %q", ErrBadValue, raw)
		}
		return f, nil
	}
}

func parseDateTime(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, ErrBadValue
	}
	t, err := cast.ToTimeE(s)
	if err != nil {
		return time.Time{}, ErrBadValue
	}
	return t.UTC(), nil
}
