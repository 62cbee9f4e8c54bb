// Package fingerprint derives a stable machine identity for credential
// registration. The digest is built from hardware-adjacent properties that
// survive restarts, so re-registering from the same machine yields the same
// fingerprint and the service can dedupe.
package fingerprint

import (
	"bufio"
	"encoding/hex"
	"os"
	"runtime"
	"strings"

	"github.com/zeebo/blake3"
)

// Length is the hex length of a generated fingerprint.
const Length = 16

const (
	unknownHost = "unknown-host"
	unknownCPU  = "unknown-cpu"
)

// Generate returns the machine fingerprint: a BLAKE3 digest over hostname,
// OS, architecture, CPU model and total memory, hex-encoded and truncated.
// Unavailable properties degrade to fixed placeholders so the result is
// always well-formed.
func Generate() string {
	props := []string{
		hostname(),
		runtime.GOOS,
		runtime.GOARCH,
		cpuModel(),
		totalMemoryKB(),
	}
	sum := blake3.Sum256([]byte(strings.Join(props, "|")))
	return hex.EncodeToString(sum[:])[:Length]
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return unknownHost
	}
	return name
}

// cpuModel reads the first "model name" entry from /proc/cpuinfo. On
// platforms without procfs the placeholder keeps the digest stable.
func cpuModel() string {
	return procValue("/proc/cpuinfo", "model name", unknownCPU)
}

// totalMemoryKB reads the MemTotal line from /proc/meminfo, keeping the
// raw kB figure; only stability matters, not the unit.
func totalMemoryKB() string {
	return procValue("/proc/meminfo", "MemTotal", "0")
}

func procValue(path, key, fallback string) string {
	f, err := os.Open(path)
	if err != nil {
		return fallback
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.TrimSpace(name) == key {
			if v := strings.TrimSpace(value); v != "" {
				return v
			}
			return fallback
		}
	}
	return fallback
}
