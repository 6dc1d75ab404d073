package screenagent

import "strings"

// parseFleetDevices splits a raw FLEET_DEVICES value into an ordered,
// deduplicated list of device identifiers. The fleet is provisioned once;
// identifiers are static for its operational life.
func parseFleetDevices(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t', ' ', '|':
			return true
		default:
			return false
		}
	})
	return normalizeFleetDevices(parts)
}

func normalizeFleetDevices(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

// FleetFromEnv reads the provisioned device list from FLEET_DEVICES.
func FleetFromEnv() []string {
	return parseFleetDevices(EnvString(EnvFleetDevices, ""))
}
