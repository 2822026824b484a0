package locator

import (
	"regexp"
	"strings"

	"github.com/blacktop/symserver/internal/model"
)

// Firmware filename grammar. Repositories name images inconsistently:
//
//	iPhone15,2_18.5_22F76_Restore.ipsw
//	iPhone_15_2_18.5_22F76_Restore.ipsw
//	iPhone15,2-18.5-22F76.ipsw
//	iPhone15,2_18.5_Restore.ipsw          (no build token)
//	iPhone11,2,iPhone11,4,iPhone11,6_14.8_18H17_Restore.ipsw (multi-device)
var filenamePatterns = []*regexp.Regexp{
	// device_version_build_suffix
	regexp.MustCompile(`^(.+?)_(\d+(?:\.\d+)+)_([A-Za-z0-9]+)_.*\.ipsw$`),
	// device-version-build
	regexp.MustCompile(`^(.+?)-(\d+(?:\.\d+)+)-([A-Za-z0-9]+).*\.ipsw$`),
	// device_version[_suffix] with no build token
	regexp.MustCompile(`^(.+?)[-_](\d+(?:\.\d+)+)(?:[-_].*)?\.ipsw$`),
}

var deviceIDRegex = regexp.MustCompile(`[A-Za-z]+\d+,\d+`)

// looksLikeBuild filters suffix words ("Restore") out of the build slot.
// Apple builds start with the major number and contain a train letter.
var looksLikeBuildRegex = regexp.MustCompile(`^\d+[A-Za-z]+\d+[A-Za-z0-9]*$`)

// ParseFilename recovers (device candidates, version, build) from a firmware
// filename, or nil when the name doesn't fit the grammar.
func ParseFilename(name string) *model.FirmwareArtifact {
	base := name[strings.LastIndex(name, "/")+1:]
	for _, pattern := range filenamePatterns {
		m := pattern.FindStringSubmatch(base)
		if m == nil {
			continue
		}
		build := ""
		if len(m) > 3 && looksLikeBuildRegex.MatchString(m[3]) {
			build = m[3]
		}
		devices := splitDevices(m[1])
		if len(devices) == 0 {
			continue
		}
		return &model.FirmwareArtifact{
			Name:             base,
			DeviceCandidates: devices,
			Version:          m[2],
			Build:            build,
		}
	}
	return nil
}

// splitDevices handles multi-device images. The device field is ambiguous:
// commas separate both model components (iPhone11,2) and devices
// (iPhone11,2,iPhone11,4), so explicit "Name<major>,<minor>" identifiers are
// pulled out first and the raw field is kept as a fallback candidate.
func splitDevices(field string) []string {
	ids := deviceIDRegex.FindAllString(field, -1)
	if len(ids) == 0 {
		if field == "" {
			return nil
		}
		return []string{field}
	}
	return ids
}
