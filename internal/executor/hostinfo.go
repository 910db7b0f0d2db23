package executor

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
)

// toolProbes are run on registration so that course owners can see
// which build tools a machine offers before assigning tests to it.
var toolProbes = [][]string{
	{"cc", "-v"},
	{"g++", "--version"},
	{"make", "-v"},
	{"java", "-version"},
	{"python3", "--version"},
	{"perl", "-v"},
}

// CollectHostInfo gathers the machine description sent to the server
// on registration, as a JSON list of name and value pairs.
func CollectHostInfo(cfg *Config) string {
	var facts [][2]string

	if info, err := host.Info(); err == nil {
		facts = append(facts, [2]string{"Operating system",
			fmt.Sprintf("%s %s (%s)", info.Platform, info.PlatformVersion, info.KernelArch)})
	}
	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		facts = append(facts, [2]string{"CPU", strings.TrimSpace(cpus[0].ModelName)})
	}
	facts = append(facts, [2]string{"Script runner", cfg.Execution.ScriptRunner})

	for _, probe := range toolProbes {
		title := probe[0]
		outcome := RunCommand("/tmp", 10*time.Second, probe...)
		if outcome.SpawnErr != nil {
			continue
		}
		version := firstLine(outcome.Output)
		if version == "" {
			continue
		}
		facts = append(facts, [2]string{title, version})
	}

	raw, err := json.Marshal(facts)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// IPAddress determines the address the server sees this machine under,
// without actually sending a packet.
func IPAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
