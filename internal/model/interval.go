package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinInterval は購読の実行間隔の下限。
const MinInterval = 5 * time.Minute

// intervalUnits は自然言語形式の間隔で使える単位。
var intervalUnits = map[string]time.Duration{
	"minute":  time.Minute,
	"minutes": time.Minute,
	"min":     time.Minute,
	"mins":    time.Minute,
	"hour":    time.Hour,
	"hours":   time.Hour,
	"hr":      time.Hour,
	"hrs":     time.Hour,
	"day":     24 * time.Hour,
	"days":    24 * time.Hour,
	"week":    7 * 24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
}

// intervalAliases は単語1つで表す間隔。
var intervalAliases = map[string]time.Duration{
	"hourly": time.Hour,
	"daily":  24 * time.Hour,
	"weekly": 7 * 24 * time.Hour,
}

// ParseInterval は購読の実行間隔を解析する。
// 対応形式:
//   - Goのduration表記: "6h", "90m", "1h30m"
//   - 自然言語表記: "every 6 hours", "6 hours", "1 day", "every day"
//   - 別名: "hourly", "daily", "weekly"
//
// 解析できない場合やMinInterval未満の場合はErrInvalidIntervalを返す。
func ParseInterval(s string) (time.Duration, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	if raw == "" {
		return 0, fmt.Errorf("%w: 空の間隔", ErrInvalidInterval)
	}

	d, err := parseIntervalValue(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	if d < MinInterval {
		return 0, fmt.Errorf("%w: %q は最小間隔 %s 未満です", ErrInvalidInterval, s, MinInterval)
	}
	return d, nil
}

func parseIntervalValue(raw string) (time.Duration, error) {
	if d, ok := intervalAliases[raw]; ok {
		return d, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}

	fields := strings.Fields(strings.TrimPrefix(raw, "every "))
	switch len(fields) {
	case 1:
		// "every day" のように数値を省略した形式
		if unit, ok := intervalUnits[fields[0]]; ok {
			return unit, nil
		}
	case 2:
		n, err := strconv.Atoi(fields[0])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid count: %s", fields[0])
		}
		if unit, ok := intervalUnits[fields[1]]; ok {
			return time.Duration(n) * unit, nil
		}
	}
	return 0, fmt.Errorf("unrecognized interval: %s", raw)
}
