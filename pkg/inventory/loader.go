package inventory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileSpec is the on-disk inventory layout. Hosts and groups are kept as raw
// nodes so that their declaration order survives decoding.
//
//	data:
//	  ssh_user: deploy
//	hosts:
//	  - web1
//	  - name: db1
//	    data: {ssh_port: 2222}
//	groups:
//	  web:
//	    hosts: [web1]
//	    data: {_sudo: true}
type fileSpec struct {
	Data   map[string]any `yaml:"data"`
	Hosts  yaml.Node      `yaml:"hosts"`
	Groups yaml.Node      `yaml:"groups"`
}

type hostEntry struct {
	Name string         `yaml:"name"`
	Data map[string]any `yaml:"data"`
}

type groupEntry struct {
	Hosts []string       `yaml:"hosts"`
	Data  map[string]any `yaml:"data"`
}

// LoadFile reads a YAML inventory file.
func LoadFile(path string, opts ...Option) (*Inventory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	inv, err := Parse(raw, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inv, nil
}

// Parse builds an inventory from YAML bytes.
func Parse(raw []byte, opts ...Option) (*Inventory, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	hosts, err := decodeHosts(&spec.Hosts)
	if err != nil {
		return nil, err
	}

	groups, err := decodeGroups(&spec.Groups)
	if err != nil {
		return nil, err
	}

	if len(spec.Data) > 0 {
		opts = append([]Option{WithGlobalData(spec.Data)}, opts...)
	}

	return New(hosts, groups, opts...)
}

func decodeHosts(node *yaml.Node) ([]HostSpec, error) {
	if isEmpty(node) {
		return nil, nil
	}

	var out []HostSpec
	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				out = append(out, HostSpec{Name: item.Value})
			case yaml.MappingNode:
				var entry hostEntry
				if err := item.Decode(&entry); err != nil {
					return nil, fmt.Errorf("line %d: invalid host entry: %w", item.Line, err)
				}
				out = append(out, HostSpec{Name: entry.Name, Data: entry.Data})
			default:
				return nil, fmt.Errorf("line %d: invalid host entry", item.Line)
			}
		}

	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			var data map[string]any
			if err := value.Decode(&data); err != nil {
				return nil, fmt.Errorf("line %d: invalid data for host %s: %w", value.Line, key.Value, err)
			}
			out = append(out, HostSpec{Name: key.Value, Data: data})
		}

	default:
		return nil, fmt.Errorf("line %d: hosts must be a list or a mapping", node.Line)
	}

	return out, nil
}

func decodeGroups(node *yaml.Node) ([]Group, error) {
	if isEmpty(node) {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: groups must be a mapping", node.Line)
	}

	var out []Group
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		// shorthand: "web: [web1, web2]"
		if value.Kind == yaml.SequenceNode {
			var names []string
			if err := value.Decode(&names); err != nil {
				return nil, fmt.Errorf("line %d: invalid group %s: %w", value.Line, key.Value, err)
			}
			out = append(out, Group{Name: key.Value, Hosts: names})
			continue
		}

		var entry groupEntry
		if err := value.Decode(&entry); err != nil {
			return nil, fmt.Errorf("line %d: invalid group %s: %w", value.Line, key.Value, err)
		}
		out = append(out, Group{Name: key.Value, Hosts: entry.Hosts, Data: entry.Data})
	}
	return out, nil
}

func isEmpty(node *yaml.Node) bool {
	return node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null")
}

// FromList builds an inventory from a comma separated list of host names,
// e.g. "web1,web2,@local".
func FromList(list string, opts ...Option) (*Inventory, error) {
	var hosts []HostSpec
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		hosts = append(hosts, HostSpec{Name: name})
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts in list %q", list)
	}
	return New(hosts, nil, opts...)
}

// Load picks LoadFile when source is an existing file, FromList otherwise.
func Load(source string, opts ...Option) (*Inventory, error) {
	if info, err := os.Stat(source); err == nil && !info.IsDir() {
		return LoadFile(source, opts...)
	}
	return FromList(source, opts...)
}
