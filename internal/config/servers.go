package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
)

// serversFile is the {"mcpServers": {...}} document written by desktop
// MCP hosts such as Cursor and Claude Desktop.
type serversFile struct {
	MCPServers json.RawMessage `json:"mcpServers"`
}

type serversFileEntry struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers"`
	Disabled bool              `json:"disabled"`
}

// LoadServersFile parses a servers file and returns its entries in
// document order, so a later entry wins tool name collisions the way
// desktop hosts resolve them. A missing file yields no servers and no
// error.
func LoadServersFile(path string) ([]ServerConfig, error) {
	if path == "" || path == "-" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read servers file %s: %w", path, err)
	}

	var doc serversFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse servers file %s: %w", path, err)
	}
	servers, err := decodeServerEntries(doc.MCPServers)
	if err != nil {
		return nil, fmt.Errorf("parse servers file %s: %w", path, err)
	}
	return servers, nil
}

// decodeServerEntries walks the mcpServers object key by key. A name
// repeated in the document keeps its first position and its last value.
func decodeServerEntries(raw json.RawMessage) ([]ServerConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("mcpServers is not an object")
	}

	var servers []ServerConfig
	index := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := tok.(string)

		var e serversFileEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}

		transport := TransportStdio
		if e.Command == "" && e.URL != "" {
			transport = TransportHTTP
		}
		sc := ServerConfig{
			Name:      name,
			Transport: transport,
			Command:   e.Command,
			Args:      e.Args,
			Env:       e.Env,
			URL:       e.URL,
			Headers:   e.Headers,
			Disabled:  e.Disabled,
		}
		if i, ok := index[name]; ok {
			servers[i] = sc
			continue
		}
		index[name] = len(servers)
		servers = append(servers, sc)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return servers, nil
}

// Servers returns the enabled servers from the YAML config followed by
// those from the servers file. A name defined in both keeps the YAML
// entry. Imported entries are not validated here: one without a command
// fails at connect time and only that server is lost.
func (c *Config) Servers() ([]ServerConfig, error) {
	imported, err := LoadServersFile(c.MCP.ServersFile)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	var out []ServerConfig
	for _, s := range c.MCP.Servers {
		seen[s.Name] = true
		if !s.Disabled {
			out = append(out, s)
		}
	}
	for _, s := range imported {
		if seen[s.Name] || s.Disabled {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func sortedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
