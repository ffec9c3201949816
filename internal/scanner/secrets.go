package scanner

import "github.com/jamesruggles/spectra/internal/database"

// dedupeSecrets drops secrets reported twice for the same file and line, as
// happens when trivy and gitleaks both see a checked-in key. The record with
// commit provenance wins.
func dedupeSecrets(secrets []database.Secret) []database.Secret {
	type key struct {
		path string
		line int
	}
	seen := make(map[key]int, len(secrets))
	out := secrets[:0:0]
	for _, s := range secrets {
		if s.StartLine == nil {
			out = append(out, s)
			continue
		}
		k := key{s.FilePath, *s.StartLine}
		i, dup := seen[k]
		if !dup {
			seen[k] = len(out)
			out = append(out, s)
			continue
		}
		if out[i].Commit == "" && s.Commit != "" {
			out[i] = s
		}
	}
	return out
}
