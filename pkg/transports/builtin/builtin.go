// Package builtin wires the connectors shipped with swirl into a registry.
package builtin

import (
	"github.com/openfroyo/swirl/pkg/transports"
	"github.com/openfroyo/swirl/pkg/transports/docker"
	"github.com/openfroyo/swirl/pkg/transports/local"
	"github.com/openfroyo/swirl/pkg/transports/ssh"
)

// Registry returns a registry with the ssh, local and docker connectors.
func Registry() *transports.Registry {
	r := transports.NewRegistry()
	r.Register("ssh", ssh.New)
	r.Register("local", local.New)
	r.Register("docker", docker.New)
	return r
}
