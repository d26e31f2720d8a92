package app

import (
	"fmt"
	"strings"
	"time"

	"mxrelay/internal/history"
)

func mapHistoryConfig(cfg *Config) (history.Config, bool, error) {
	if cfg == nil || cfg.History == nil {
		return history.Config{}, false, nil
	}
	hc := cfg.History
	driver := strings.TrimSpace(hc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return history.Config{}, false, nil
	}
	path := strings.TrimSpace(hc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			return history.Config{}, false, fmt.Errorf("history.path is required when history.driver=file")
		}
		return history.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return history.Config{}, false, fmt.Errorf("history.path is required when history.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("history.busy_timeout", hc.BusyTimeout, 5*time.Second)
		if err != nil {
			return history.Config{}, false, err
		}
		return history.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	default:
		return history.Config{}, false, fmt.Errorf("unknown history.driver: %s", driver)
	}
}
