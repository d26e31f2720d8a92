package config

import (
	logx "mxrelay/pkg/logx"
	"sort"
	"strings"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like the api
// key, access token or pickle key).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Matrix (never log access_token/password/pickle_key; a rotated secret
	// still counts as a change so the restart warning fires)
	if strings.TrimSpace(oldCfg.Matrix.Homeserver) != strings.TrimSpace(newCfg.Matrix.Homeserver) ||
		strings.TrimSpace(oldCfg.Matrix.UserID) != strings.TrimSpace(newCfg.Matrix.UserID) ||
		oldCfg.Matrix.AccessToken != newCfg.Matrix.AccessToken ||
		oldCfg.Matrix.Password != newCfg.Matrix.Password ||
		strings.TrimSpace(oldCfg.Matrix.DeviceName) != strings.TrimSpace(newCfg.Matrix.DeviceName) ||
		strings.TrimSpace(oldCfg.Matrix.StatePath) != strings.TrimSpace(newCfg.Matrix.StatePath) ||
		oldCfg.Matrix.PickleKey != newCfg.Matrix.PickleKey ||
		strings.TrimSpace(oldCfg.Matrix.RoomName) != strings.TrimSpace(newCfg.Matrix.RoomName) ||
		oldCfg.Matrix.SendRatePerSec != newCfg.Matrix.SendRatePerSec ||
		oldCfg.Matrix.SendBurst != newCfg.Matrix.SendBurst ||
		boolOr(oldCfg.Matrix.Notice, true) != boolOr(newCfg.Matrix.Notice, true) ||
		boolOr(oldCfg.Matrix.Markdown, true) != boolOr(newCfg.Matrix.Markdown, true) {
		changed = append(changed, "matrix")
		attrs = append(attrs,
			logx.String("matrix.homeserver", strings.TrimSpace(newCfg.Matrix.Homeserver)),
			logx.String("matrix.user_id", strings.TrimSpace(newCfg.Matrix.UserID)),
			logx.Bool("matrix.access_token_set", strings.TrimSpace(newCfg.Matrix.AccessToken) != ""),
			logx.Bool("matrix.password_set", strings.TrimSpace(newCfg.Matrix.Password) != ""),
			logx.String("matrix.room_name", strings.TrimSpace(newCfg.Matrix.RoomName)),
			logx.Int("matrix.send_rate_per_sec", newCfg.Matrix.SendRatePerSec),
			logx.Int("matrix.send_burst", newCfg.Matrix.SendBurst),
			logx.Bool("matrix.notice", boolOr(newCfg.Matrix.Notice, true)),
			logx.Bool("matrix.markdown", boolOr(newCfg.Matrix.Markdown, true)),
		)
	}

	// Ingress (never log api_key)
	if strings.TrimSpace(oldCfg.Ingress.Listen) != strings.TrimSpace(newCfg.Ingress.Listen) ||
		oldCfg.Ingress.APIKey != newCfg.Ingress.APIKey ||
		oldCfg.Ingress.MaxBodyBytes != newCfg.Ingress.MaxBodyBytes ||
		strings.TrimSpace(oldCfg.Ingress.ReadTimeout) != strings.TrimSpace(newCfg.Ingress.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Ingress.WriteTimeout) != strings.TrimSpace(newCfg.Ingress.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Ingress.IdleTimeout) != strings.TrimSpace(newCfg.Ingress.IdleTimeout) ||
		strings.TrimSpace(oldCfg.Ingress.TLS.CertFile) != strings.TrimSpace(newCfg.Ingress.TLS.CertFile) ||
		strings.TrimSpace(oldCfg.Ingress.TLS.KeyFile) != strings.TrimSpace(newCfg.Ingress.TLS.KeyFile) {
		changed = append(changed, "ingress")
		attrs = append(attrs,
			logx.String("ingress.listen", strings.TrimSpace(newCfg.Ingress.Listen)),
			logx.Bool("ingress.api_key_set", strings.TrimSpace(newCfg.Ingress.APIKey) != ""),
			logx.Int64("ingress.max_body_bytes", newCfg.Ingress.MaxBodyBytes),
			logx.Bool("ingress.tls", strings.TrimSpace(newCfg.Ingress.TLS.CertFile) != ""),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Format != newCfg.Logging.Format ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.String("logx.format", newCfg.Logging.Format),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Delivery
	if oldCfg.Delivery.DedupCacheSize != newCfg.Delivery.DedupCacheSize {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.dedup_cache_size", newCfg.Delivery.DedupCacheSize),
		)
	}

	// History (nil means disabled)
	var oDriver, nDriver, oPath, nPath, oBusy, nBusy string
	if oldCfg.History != nil {
		oDriver = strings.TrimSpace(oldCfg.History.Driver)
		oPath = strings.TrimSpace(oldCfg.History.Path)
		oBusy = strings.TrimSpace(oldCfg.History.BusyTimeout)
	}
	if newCfg.History != nil {
		nDriver = strings.TrimSpace(newCfg.History.Driver)
		nPath = strings.TrimSpace(newCfg.History.Path)
		nBusy = strings.TrimSpace(newCfg.History.BusyTimeout)
	}
	if oDriver != nDriver || oPath != nPath || oBusy != nBusy {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", nDriver),
			logx.String("history.path", nPath),
			logx.String("history.busy_timeout", nBusy),
		)
	}

	// Maintenance (nil means disabled)
	oM := derefMaintenance(oldCfg.Maintenance)
	nM := derefMaintenance(newCfg.Maintenance)
	if oM != nM {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", nM.Enabled),
			logx.String("maintenance.prune_spec", strings.TrimSpace(nM.PruneSpec)),
			logx.String("maintenance.stats_spec", strings.TrimSpace(nM.StatsSpec)),
			logx.String("maintenance.retention", strings.TrimSpace(nM.Retention)),
			logx.String("maintenance.timezone", strings.TrimSpace(nM.Timezone)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefMaintenance(m *MaintenanceConfig) MaintenanceConfig {
	if m == nil {
		return MaintenanceConfig{}
	}
	return *m
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
