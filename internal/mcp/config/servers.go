// Package config finds the MCP servers the agent may use as its policy
// knowledge base. Servers are listed in JSON files such as
//
//	{"servers": {
//	  "policies": {"url": "ws://kb:9001/mcp/ws", "priority": 1},
//	  "local":    {"command": "policy-mcp", "env": {"MCP_STDIO": "true"}}
//	}}
//
// An explicit file is used alone. Otherwise the workspace file
// .voice-agent-lab/knowledge.json is merged with the user file
// $XDG_CONFIG_HOME/voice-agent-lab/knowledge.json, user entries winning.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	AppDir   = "voice-agent-lab"
	FileName = "knowledge.json"

	DefaultDialTimeout  = 5 * time.Second
	DefaultStartTimeout = 10 * time.Second
)

// Kind is how the agent reaches a server.
type Kind string

const (
	KindNone      Kind = ""
	KindWebSocket Kind = "websocket"
	KindCommand   Kind = "command"
)

// Server is one knowledge-base server entry. A URL means a websocket
// server; otherwise Command is started with Args and Env on stdio.
type Server struct {
	Name      string            `json:"-"`
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Disabled  bool              `json:"disabled,omitempty"`
	Priority  int               `json:"priority,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty"`
}

// Kind reports the transport the entry describes.
func (s Server) Kind() Kind {
	switch {
	case s.URL != "":
		return KindWebSocket
	case s.Command != "":
		return KindCommand
	default:
		return KindNone
	}
}

// ConnectTimeout bounds the dial or process start.
func (s Server) ConnectTimeout() time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	if s.Kind() == KindCommand {
		return DefaultStartTimeout
	}
	return DefaultDialTimeout
}

// Locations says where to look. Empty fields use the working directory and
// $XDG_CONFIG_HOME (or ~/.config).
type Locations struct {
	File       string
	Workspace  string
	UserConfig string
}

// Set is the merged server list, lowest priority value first and then by
// name, with the files it was read from.
type Set struct {
	Servers []Server
	Sources []string
}

// Usable returns the enabled entries that name a transport, in order.
func (s Set) Usable() []Server {
	var out []Server
	for _, srv := range s.Servers {
		if !srv.Disabled && srv.Kind() != KindNone {
			out = append(out, srv)
		}
	}
	return out
}

// Load reads and merges the server files. Missing default files are
// skipped; a missing explicit file is an error.
func Load(loc Locations) (Set, error) {
	var set Set
	merged := make(map[string]Server)

	var paths []string
	if loc.File != "" {
		paths = []string{loc.File}
	} else {
		ws, err := workspaceFile(loc)
		if err != nil {
			return set, err
		}
		user, err := userFile(loc)
		if err != nil {
			return set, err
		}
		paths = []string{ws, user}
	}

	for _, p := range paths {
		path, err := expandHome(p)
		if err != nil {
			return set, err
		}
		servers, err := readFile(path)
		if errors.Is(err, os.ErrNotExist) && loc.File == "" {
			continue
		}
		if err != nil {
			return set, err
		}
		for name, srv := range servers {
			srv.Name = name
			merged[name] = expandServer(srv)
		}
		set.Sources = append(set.Sources, path)
	}

	for _, srv := range merged {
		set.Servers = append(set.Servers, srv)
	}
	sort.Slice(set.Servers, func(i, j int) bool {
		a, b := set.Servers[i], set.Servers[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Name < b.Name
	})
	return set, nil
}

func readFile(path string) (map[string]Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f struct {
		Servers map[string]Server `json:"servers"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Servers, nil
}

// expandServer resolves a leading ~ in the command, its arguments and env
// values. The URL is left alone.
func expandServer(s Server) Server {
	expand := func(v string) string {
		if out, err := expandHome(v); err == nil {
			return out
		}
		return v
	}
	s.Command = expand(s.Command)
	if s.Args != nil {
		args := make([]string, len(s.Args))
		for i, a := range s.Args {
			args[i] = expand(a)
		}
		s.Args = args
	}
	if len(s.Env) > 0 {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = expand(v)
		}
		s.Env = env
	}
	return s
}

func workspaceFile(loc Locations) (string, error) {
	dir := loc.Workspace
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = cwd
	}
	return filepath.Join(dir, "."+AppDir, FileName), nil
}

func userFile(loc Locations) (string, error) {
	base := loc.UserConfig
	if base == "" {
		base = os.Getenv("XDG_CONFIG_HOME")
	}
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, AppDir, FileName), nil
}

func expandHome(value string) (string, error) {
	if value != "~" && !strings.HasPrefix(value, "~/") {
		return value, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return value, err
	}
	return filepath.Join(home, strings.TrimPrefix(value, "~")), nil
}
