package mcp

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type serversFile struct {
	Servers []ServerDef `yaml:"servers"`
}

// LoadServers reads server definitions from a YAML file. A missing file is
// not an error; it means no external tools are configured.
func LoadServers(path string) ([]ServerDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mcp config %s: %w", path, err)
	}

	var f serversFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}
	for i, def := range f.Servers {
		if def.Name == "" {
			return nil, fmt.Errorf("mcp config %s: server %d has no name", path, i)
		}
	}
	return f.Servers, nil
}
