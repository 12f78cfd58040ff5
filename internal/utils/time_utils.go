package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseStringTime 解析 "10s" "5m" "48h" "2d" 以及 time.ParseDuration 支持的格式
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, fmt.Errorf("empty time string")
	}
	if cutString, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
		}
		return time.Duration(number) * time.Hour * 24, nil
	}
	duration, err := time.ParseDuration(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
	}
	return duration, nil
}

// MustParseStringTime 解析失败时返回 fallback
func MustParseStringTime(timeString string, fallback time.Duration) time.Duration {
	duration, err := ParseStringTime(timeString)
	if err != nil || duration <= 0 {
		return fallback
	}
	return duration
}
