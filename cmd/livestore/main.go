package main

import (
	"context"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	mbp "go.livestore.dev/core/mainboilerplate"
	"go.livestore.dev/core/stores"
	"go.livestore.dev/core/stores/azure"
	"go.livestore.dev/core/stores/fs"
	"go.livestore.dev/core/stores/gcs"
	"go.livestore.dev/core/stores/s3"
)

const iniFilename = "livestore.ini"

// Config is the top-level configuration object of livestore.
var Config = new(struct {
	Store  mbp.StoreConfig  `group:"Store" namespace:"store" env-namespace:"STORE"`
	PubSub mbp.PubSubConfig `group:"PubSub" namespace:"pubsub" env-namespace:"PUBSUB"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	parser.LongDescription = `livestore mirrors the object listing of a remote store, and
relays change notifications between the clients which write it.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure livestore with a '` + iniFilename + `' file in the current
working directory, or with '~/.config/livestore/` + iniFilename + `'. Use the
'print-config' sub-command to inspect the tool's current configuration.
`
	registerStores()

	mustAddCmd(parser, "hub", "Serve a pub/sub hub of change notifications", `
Serve a websocket hub which relays change notifications between livestore
clients. Connections present a bearer credential signed by one of
--pubsub.auth.keys, and may publish and subscribe only to granted topics.
`, &cmdHub{})

	mustAddCmd(parser, "ls", "List folders and files of a prefix", `
List the immediate folders and files under a key prefix, from a full listing
of the store. Folders are implied by deeper keys, and report the total size
and latest modification of their contents.

Results can be output in a variety of --format options:
table: Prints as a table
json:  Prints one JSON object per line
yaml:  Prints a YAML sequence
`, &cmdList{})

	mustAddCmd(parser, "watch", "Mirror a prefix and log its changes", `
Mirror a key prefix, logging each change of its children as it's observed
through change notifications and periodic refreshes. Optionally follow a JSON
document under the prefix, logging each change of its fields.
`, &cmdWatch{})

	mustAddCmd(parser, "get", "Write the content of a key to stdout", `
Write the content of a key to stdout, or with --signed-url print a URL from
which it may be fetched without credentials.
`, &cmdGet{})

	mustAddCmd(parser, "put", "Upload content to a key and announce it", `
Upload content read from --file (or stdin) to a key, and announce the new
revision to other clients.
`, &cmdPut{})

	mustAddCmd(parser, "rm", "Remove a key or prefix and announce it", `
Remove a key, or with --prefix every key under a prefix, and announce each
removal to other clients.
`, &cmdRemove{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func mustAddCmd(parser *flags.Parser, name, short, long string, cmd interface{}) {
	var _, err = parser.AddCommand(name, short, long, cmd)
	mbp.Must(err, "failed to add command", "name", name)
}

func registerStores() {
	stores.RegisterProviders(map[string]stores.Constructor{
		"s3":       s3.New,
		"gs":       gcs.New,
		"azure":    azure.NewAccount,
		"azure-ad": azure.NewAD,
		"file":     fs.New,
		"memory": func(ep *url.URL) (stores.Store, error) {
			return stores.NewMemoryStore(ep), nil
		},
	})
}

// startup initializes logging, returning a Context which is cancelled
// upon SIGINT or SIGTERM.
func startup() (context.Context, context.CancelFunc) {
	mbp.InitLog(Config.Log)
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
