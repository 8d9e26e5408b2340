package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/morezero/orchestration-core/pkg/saga"
)

const logPrefix = "bootstrap:loader"

// DefaultPaths are tried after any explicit paths.
var DefaultPaths = []string{"config/sagas.json", "sagas.json"}

// LoadDefinitionsFile loads the first readable file among paths, then
// DefaultPaths. A missing file is skipped; a file that fails to parse is an
// error. With no file found it returns an empty File.
func LoadDefinitionsFile(paths ...string) (*File, error) {
	all := make([]string, 0, len(paths)+len(DefaultPaths))
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	all = append(all, DefaultPaths...)

	for _, p := range all {
		f, err := readFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	slog.Info(fmt.Sprintf("%s - No saga definitions file found", logPrefix))
	return &File{}, nil
}

// LoadDefinitions loads the base file from DefaultPaths and merges override
// over it. An empty override returns the base; a missing override is an error.
func LoadDefinitions(override string) (*File, error) {
	base, err := LoadDefinitionsFile()
	if err != nil {
		return nil, err
	}
	if override == "" {
		return base, nil
	}
	f, err := readFile(override)
	if err != nil {
		return nil, err
	}
	return MergeFiles(base, f), nil
}

func readFile(p string) (*File, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read %s: %w", logPrefix, p, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s - failed to parse %s: %w", logPrefix, p, err)
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d saga definitions from %s", logPrefix, len(f.Sagas), p))
	return &f, nil
}

// MergeFiles returns base with every saga of override added, replacing sagas with the same id.
func MergeFiles(base, override *File) *File {
	merged := *base
	merged.Sagas = make([]SagaEntry, 0, len(base.Sagas)+len(override.Sagas))

	index := make(map[string]int, len(base.Sagas))
	for _, s := range base.Sagas {
		index[s.ID] = len(merged.Sagas)
		merged.Sagas = append(merged.Sagas, s)
	}
	for _, s := range override.Sagas {
		if i, ok := index[s.ID]; ok {
			merged.Sagas[i] = s
			continue
		}
		index[s.ID] = len(merged.Sagas)
		merged.Sagas = append(merged.Sagas, s)
	}
	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	return &merged
}

// Register registers every saga in f with o. It stops at the first invalid definition.
func Register(o *saga.Orchestrator, f *File) error {
	for _, entry := range f.Sagas {
		if err := o.RegisterSaga(entry.Definition()); err != nil {
			return fmt.Errorf("%s - saga %s: %w", logPrefix, entry.ID, err)
		}
	}
	return nil
}
