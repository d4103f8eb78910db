package mainboilerplate

import (
	"net"
	"os"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
)

// ServiceConfig represents identification and addressing configuration of
// a serving process.
type ServiceConfig struct {
	ID      string `long:"id" env:"ID" description:"Unique ID of this process. Auto-generated if not set"`
	Address string `long:"address" env:"ADDRESS" default:":8080" description:"Address at which the service listens, eg ':8080' or 'unix:///path/to/socket'"`
}

// ProcessID returns the configured ID, or a generated one.
func (cfg ServiceConfig) ProcessID() string { return GenerateID(cfg.ID) }

// MustListen binds the configured Address.
func (cfg ServiceConfig) MustListen() net.Listener {
	var network, addr = "tcp", cfg.Address
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		network, addr = "unix", path
		_ = os.Remove(addr) // Stale socket of a prior process.
	}
	var ln, err = net.Listen(network, addr)
	Must(err, "failed to bind listener", "address", cfg.Address)
	return ln
}

// GenerateID returns |id| if non-empty, and otherwise a readable random
// identifier qualified by the hostname, eg "myhost-witty-otter".
func GenerateID(id string) string {
	if id != "" {
		return id
	}
	var name = petname.Generate(2, "-")

	if host, err := os.Hostname(); err == nil && host != "" {
		name = host + "-" + name
	}
	return name
}
