// Package langdetect picks the languages that make up a meaningful share of
// a source tree so only their rule packs are loaded.
package langdetect

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// Rule packs loaded on every static scan.
var BaselineConfigs = []string{"p/security-audit", "p/secrets", "p/owasp-top-ten"}

var extensions = map[string]string{
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".go":    "golang",
	".java":  "java",
	".kt":    "kotlin",
	".kts":   "kotlin",
	".scala": "scala",
	".rb":    "ruby",
	".php":   "php",
	".cs":    "csharp",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".rs":    "rust",
	".swift": "swift",
	".sh":    "bash",
	".bash":  "bash",
	".tf":    "terraform",
	".sol":   "solidity",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".html":  "html",
}

// Registry packs per language. Languages without an entry are detected but
// load nothing extra.
var ruleConfigs = map[string]string{
	"python":     "p/python",
	"javascript": "p/javascript",
	"typescript": "p/typescript",
	"golang":     "p/golang",
	"java":       "p/java",
	"kotlin":     "p/kotlin",
	"scala":      "p/scala",
	"ruby":       "p/ruby",
	"php":        "p/php",
	"csharp":     "p/csharp",
	"c":          "p/c",
	"rust":       "p/rust",
	"swift":      "p/swift",
	"bash":       "p/bash",
	"terraform":  "p/terraform",
	"solidity":   "p/smart-contracts",
	"docker":     "p/dockerfile",
	"yaml":       "p/kubernetes",
	"html":       "p/html",
}

var skipDirs = map[string]bool{
	"node_modules":     true,
	"vendor":           true,
	"venv":             true,
	"__pycache__":      true,
	"bower_components": true,
	"site-packages":    true,
	"Pods":             true,
	"target":           true,
}

// Threshold is the share of files, in percent, a language must exceed.
const Threshold = 5

// Detect walks root and returns the sorted set of dominant languages. A
// language is dominant when its files exceed Threshold percent of all regular
// files walked. Unreadable entries are skipped.
func Detect(root string) ([]string, error) {
	counts := make(map[string]int)
	total, recognized := 0, 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != root && (strings.HasPrefix(d.Name(), ".") || skipDirs[d.Name()]) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		total++
		if lang := classify(d.Name()); lang != "" {
			counts[lang]++
			recognized++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if recognized == 0 {
		return nil, nil
	}

	var langs []string
	for lang, n := range counts {
		if n*100 > Threshold*total {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	return langs, nil
}

func classify(name string) string {
	if name == "Dockerfile" {
		return "docker"
	}
	return extensions[strings.ToLower(filepath.Ext(name))]
}

// RuleConfigs returns the baseline packs followed by one pack per language
// that has one, without duplicates.
func RuleConfigs(langs []string) []string {
	configs := append([]string(nil), BaselineConfigs...)
	seen := make(map[string]bool, len(configs))
	for _, c := range configs {
		seen[c] = true
	}

	sorted := append([]string(nil), langs...)
	sort.Strings(sorted)
	for _, lang := range sorted {
		c, ok := ruleConfigs[lang]
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		configs = append(configs, c)
	}
	return configs
}
