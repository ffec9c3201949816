package tools

import (
	"os/exec"
	"strings"
)

type ToolStatus struct {
	Name      string `json:"name"`
	Binary    string `json:"binary"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
}

var requiredTools = []struct {
	name       string
	binary     string
	versionArg string
}{
	{"Git", "git", "--version"},
	{"Trivy", "trivy", "--version"},
	{"Semgrep", "semgrep", "--version"},
	{"Gitleaks", "gitleaks", "version"},
	{"Nuclei", "nuclei", "-version"},
}

// DetectAll reports which scanner binaries are available. binaries maps a
// default binary name to a configured replacement.
func DetectAll(binaries map[string]string) []ToolStatus {
	var statuses []ToolStatus

	for _, tool := range requiredTools {
		binary := tool.binary
		if b := binaries[tool.binary]; b != "" {
			binary = b
		}
		status := ToolStatus{
			Name:   tool.name,
			Binary: binary,
		}

		path, err := exec.LookPath(binary)
		if err == nil {
			status.Installed = true
			status.Path = path
			status.Version = probeVersion(binary, tool.versionArg)
		}

		statuses = append(statuses, status)
	}

	return statuses
}

func probeVersion(binary, arg string) string {
	if arg == "" {
		return ""
	}
	out, err := exec.Command(binary, arg).CombinedOutput()
	if err != nil {
		return ""
	}
	return firstLine(string(out))
}

func firstLine(out string) string {
	version := strings.TrimSpace(out)
	if idx := strings.IndexByte(version, '\n'); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 100 {
		version = version[:100]
	}
	return strings.TrimSpace(version)
}
