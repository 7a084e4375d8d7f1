package tileindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileListName is the dataset manifest inside a prefix directory
const FileListName = "filelist.json"

// ChangeExt is the file extension of change layers
const ChangeExt = ".pbfc"

// FileEntry describes one file of a dataset. The first entry is the base
// snapshot; the rest are change files, oldest first.
type FileEntry struct {
	State    int64  `yaml:"State" json:"State"`
	EndDate  string `yaml:"EndDate" json:"EndDate"`
	Filename string `yaml:"Filename" json:"Filename"`
	NumTiles int    `yaml:"NumTiles" json:"NumTiles"`
}

// ReadFileList decodes <prefix>/filelist.json. JSON is read through the
// YAML decoder so hand written YAML manifests work too.
func ReadFileList(prefix string) ([]FileEntry, error) {
	data, err := os.ReadFile(filepath.Join(prefix, FileListName))
	if err != nil {
		return nil, fmt.Errorf("failed to read file list: %w", err)
	}
	var entries []FileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse file list: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("file list %s is empty", filepath.Join(prefix, FileListName))
	}
	return entries, nil
}

// WriteFileList writes the manifest for a dataset
func WriteFileList(prefix string, entries []FileEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(prefix, FileListName), data, 0o644)
}
