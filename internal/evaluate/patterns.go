package evaluate

import (
	"runtime"
	"strings"
)

// Built-in name suspicion patterns. Operators extend these through config;
// they never replace them.
var builtinNamePatterns = []string{
	`(?i)sv[c0-9]h[o0]st`,
	`(?i)(keylog|stealer|inject|ransom|backdoor|botnet|miner|rootkit)`,
	`(?i)^[a-z0-9]{16,}\.(exe|scr|com)$`,
	`(?i)^[a-z0-9]{1,2}\.(exe|scr|com)$`,
	`(?i)^[0-9]{4,}(\.exe)?$`,
	`(?i)^\{?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\}?(\.exe)?$`,
	`(?i)\.(scr|pif|bat|cmd)\.exe$`,
	`(?i)^(crypt|xmr|kworker)\-?[0-9a-f]{4,}`,
}

// Built-in trusted publisher fragments, matched case-insensitively against
// the verified signer name.
var builtinTrustedSigners = []string{
	"microsoft",
	"google",
	"mozilla",
	"apple",
	"adobe",
	"intel",
	"nvidia",
	"amd",
	"oracle",
	"valve",
	"red hat",
	"canonical",
}

// criticalProcessNames returns the built-in protected set for the current
// platform. These are presumed load-bearing for the OS; the executor refuses
// to touch them no matter what the evaluator scores.
func criticalProcessNames() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			"system",
			"system idle process",
			"registry",
			"smss.exe",
			"csrss.exe",
			"wininit.exe",
			"winlogon.exe",
			"services.exe",
			"lsass.exe",
			"svchost.exe",
			"explorer.exe",
			"dwm.exe",
			"fontdrvhost.exe",
		}
	case "darwin":
		return []string{
			"launchd",
			"kernel_task",
			"windowserver",
			"logind",
		}
	default:
		return []string{
			"systemd",
			"init",
			"kthreadd",
			"dbus-daemon",
		}
	}
}

// systemPathPrefixes lists where genuine system binaries live. The cheap
// allow-list skip and the executor's protection require a critical name to
// run under one of these.
func systemPathPrefixes() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`c:\windows\system32`,
			`c:\windows\syswow64`,
			`c:\windows\winsxs`,
			`c:\windows\explorer.exe`,
		}
	}
	return []string{
		"/usr/bin/",
		"/usr/sbin/",
		"/usr/lib/",
		"/usr/libexec/",
		"/bin/",
		"/sbin/",
		"/lib/",
		"/system/library/",
	}
}

// suspiciousLocationFragments lists path fragments that legitimate software
// rarely executes from: scratch space, download areas, the recycle bin.
func suspiciousLocationFragments() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`\temp\`,
			`\tmp\`,
			`\downloads\`,
			`\$recycle.bin\`,
			`\recycler\`,
			`\users\public\`,
			`\programdata\temp\`,
		}
	}
	return []string{
		"/tmp/",
		"/var/tmp/",
		"/dev/shm/",
		"/downloads/",
	}
}

func underSystemPath(path string) bool {
	normalized := normalizePath(path)
	for _, prefix := range systemPathPrefixes() {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// suspiciousLocation returns the matched fragment, or "" when the path looks
// ordinary.
func suspiciousLocation(path string) string {
	normalized := normalizePath(path)
	for _, fragment := range suspiciousLocationFragments() {
		if strings.Contains(normalized, fragment) {
			return strings.Trim(fragment, `\/`)
		}
	}
	return ""
}

// normalizePath lowercases and unifies separators so prefix checks behave
// the same for both path styles.
func normalizePath(path string) string {
	lower := strings.ToLower(path)
	if runtime.GOOS == "windows" {
		return strings.ReplaceAll(lower, "/", `\`)
	}
	return lower
}
