package server

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

func parseOptionalInt(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, errors.New("negative value")
	}
	return parsed, nil
}

// parseDuration accepts Go durations ("15m") or plain minutes ("15").
func parseDuration(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if minutes, err := strconv.Atoi(trimmed); err == nil {
		if minutes < 0 {
			return 0, errors.New("negative duration")
		}
		return time.Duration(minutes) * time.Minute, nil
	}
	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, errors.New("negative duration")
	}
	return parsed, nil
}
