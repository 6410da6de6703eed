package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist holds path and content regex patterns excluded from detection.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlists merges the workspace allowlist (.gitleaks.toml under
// workspacePath) with a user allowlist file, union semantics. Missing files
// are skipped; invalid TOML or regex patterns are errors.
func LoadAllowlists(workspacePath, userPath string) (*Allowlist, error) {
	merged := &Allowlist{}

	if workspacePath != "" {
		file := filepath.Join(workspacePath, ".gitleaks.toml")
		loaded, err := loadTOML(file)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if loaded != nil {
			merged.Paths = append(merged.Paths, loaded.Paths...)
			merged.Regexes = append(merged.Regexes, loaded.Regexes...)
		}
	}

	if userPath != "" {
		loaded, err := loadTOML(userPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if loaded != nil {
			merged.Paths = append(merged.Paths, loaded.Paths...)
			merged.Regexes = append(merged.Regexes, loaded.Regexes...)
		}
	}

	return merged, nil
}

// loadTOML reads one allowlist file and validates every pattern before it
// can reach the detector.
func loadTOML(path string) (*Allowlist, error) {
	var parsed struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range parsed.Allowlist.Paths {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: path pattern %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	for _, pattern := range parsed.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: content pattern %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Paths:   parsed.Allowlist.Paths,
		Regexes: parsed.Allowlist.Regexes,
	}, nil
}
