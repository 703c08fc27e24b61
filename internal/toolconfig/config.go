// Package toolconfig loads the JSON file describing external tool servers.
package toolconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	DefaultPath = "mcp_config.json"
	EnvPath     = "MCP_TOOLS_CONFIG"
)

// Server holds the connection parameters of one tool server. Unknown keys are
// kept in Extra and handed on untouched.
type Server struct {
	Name      string            `json:"-"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Transport string            `json:"transport,omitempty"`
	Extra     map[string]any    `json:"-"`
}

type Config struct {
	Path    string
	Servers map[string]Server
}

// Names returns server names in sorted order.
func (c Config) Names() []string {
	out := make([]string, 0, len(c.Servers))
	for n := range c.Servers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Ordered returns servers in name order.
func (c Config) Ordered() []Server {
	out := make([]Server, 0, len(c.Servers))
	for _, n := range c.Names() {
		out = append(out, c.Servers[n])
	}
	return out
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "mcpServers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "command":   {"type": "string", "minLength": 1},
          "args":      {"type": "array", "items": {"type": "string"}},
          "env":       {"type": "object", "additionalProperties": {"type": "string"}},
          "url":       {"type": "string", "minLength": 1},
          "transport": {"type": "string", "enum": ["stdio", "sse", "websocket", "streamable_http"]}
        },
        "anyOf": [
          {"required": ["command"]},
          {"required": ["url"]}
        ]
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("mcp_config.schema.json", schemaJSON)

// PathFromEnv returns the configured path or DefaultPath.
func PathFromEnv(getenv func(string) string) string {
	if getenv != nil {
		if p := strings.TrimSpace(getenv(EnvPath)); p != "" {
			return p
		}
	}
	return DefaultPath
}

// Load reads and validates the file at path. A missing file yields an empty
// config.
func Load(path string) (Config, error) {
	cfg := Config{Path: path, Servers: map[string]Server{}}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read tool config %s: %w", path, err)
	}
	servers, err := Parse(b)
	if err != nil {
		return cfg, fmt.Errorf("tool config %s: %w", path, err)
	}
	cfg.Servers = servers
	return cfg, nil
}

// Parse validates raw JSON against the schema and extracts mcpServers.
func Parse(b []byte) (map[string]Server, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	root, _ := doc.(map[string]any)
	rawServers, _ := root["mcpServers"].(map[string]any)
	out := make(map[string]Server, len(rawServers))
	for name, v := range rawServers {
		fields, _ := v.(map[string]any)
		enc, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		var s Server
		if err := json.Unmarshal(enc, &s); err != nil {
			return nil, fmt.Errorf("server %s: %w", name, err)
		}
		s.Name = name
		for k, fv := range fields {
			switch k {
			case "command", "args", "env", "url", "transport":
			default:
				if s.Extra == nil {
					s.Extra = map[string]any{}
				}
				s.Extra[k] = fv
			}
		}
		out[name] = s
	}
	return out, nil
}
