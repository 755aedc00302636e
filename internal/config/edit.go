package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// AddServer appends s to the servers list of the config file at path.
// The file is edited as a YAML node tree, so comments, key order, and
// unexpanded ${VAR} references elsewhere in it survive. The result must
// pass [Config.Validate] or the file is left untouched.
func AddServer(path string, s ServerConfig) error {
	return editServers(path, func(seq *yaml.Node) error {
		if serverIndex(seq, s.Name) >= 0 {
			return fmt.Errorf("server %q already exists", s.Name)
		}
		seq.Content = append(seq.Content, serverNode(s))
		return nil
	})
}

// RemoveServer deletes the named server from the config file at path.
func RemoveServer(path, name string) error {
	return editServers(path, func(seq *yaml.Node) error {
		i := serverIndex(seq, name)
		if i < 0 {
			return fmt.Errorf("unknown server %q", name)
		}
		seq.Content = slices.Delete(seq.Content, i, i+1)
		return nil
	})
}

func editServers(path string, edit func(seq *yaml.Node) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("%s: top level is not a mapping", path)
	}

	if err := edit(serversNode(doc.Content[0])); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	cfg, err := Parse(buf.Bytes())
	if err != nil {
		return fmt.Errorf("re-parse edited config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

// serversNode returns the sequence under the "servers" key, creating
// it (or replacing an empty value) as needed.
func serversNode(root *yaml.Node) *yaml.Node {
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "servers" {
			continue
		}
		v := root.Content[i+1]
		if v.Kind != yaml.SequenceNode {
			*v = yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		}
		return v
	}
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	root.Content = append(root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "servers"},
		seq,
	)
	return seq
}

func serverIndex(seq *yaml.Node, name string) int {
	for i, item := range seq.Content {
		if item.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(item.Content); j += 2 {
			if item.Content[j].Value == "name" && item.Content[j+1].Value == name {
				return i
			}
		}
	}
	return -1
}

// serverNode renders s as a mapping with only the fields that are set.
func serverNode(s ServerConfig) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	scalar := func(key, value string) {
		if value == "" {
			return
		}
		n.Content = append(n.Content, strNode(key), strNode(value))
	}
	list := func(key string, values []string) {
		if len(values) == 0 {
			return
		}
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, v := range values {
			seq.Content = append(seq.Content, strNode(v))
		}
		n.Content = append(n.Content, strNode(key), seq)
	}
	dict := func(key string, values map[string]string) {
		if len(values) == 0 {
			return
		}
		m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			m.Content = append(m.Content, strNode(k), strNode(values[k]))
		}
		n.Content = append(n.Content, strNode(key), m)
	}
	flag := func(key string, on bool) {
		if on {
			n.Content = append(n.Content, strNode(key), &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "true"})
		}
	}

	scalar("name", s.Name)
	scalar("description", s.Description)
	scalar("transport", s.Transport)
	scalar("command", s.Command)
	list("args", s.Args)
	dict("env", s.Env)
	scalar("cwd", s.Cwd)
	scalar("url", s.URL)
	dict("headers", s.Headers)
	flag("notifications", s.Notifications)
	if s.Timeout > 0 {
		scalar("timeout", s.Timeout.String())
	}
	flag("disabled", s.Disabled)
	list("include_tools", s.IncludeTools)
	list("exclude_tools", s.ExcludeTools)
	return n
}

func strNode(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

// writeFileAtomic replaces path via a private temp file in the same
// directory, so a failed write never truncates the config.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mcpterm-*.yaml")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
