package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// Version and BuildDate of the binary, set with -ldflags at build time.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// ConfigRoots returns the directories searched for an INI file, in order:
// the working directory, $LIVESTORE_CONFIG_ROOT (if set), and
// ~/.config/livestore under $HOME or %UserProfile%.
func ConfigRoots() []string {
	var roots = []string{"."}

	if root := os.Getenv("LIVESTORE_CONFIG_ROOT"); root != "" {
		roots = append(roots, root)
	}
	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			roots = append(roots, filepath.Join(home, ".config", "livestore"))
		}
	}
	return roots
}

// MustParseConfig parses |parser| from an optional INI file named
// |configName|, then environment bindings, then explicit flags. The first
// INI file found under ConfigRoots is used.
func MustParseConfig(parser *flags.Parser, configName string) {
	// Options of other commands may appear in a shared INI file.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)

	for _, root := range ConfigRoots() {
		var path = filepath.Join(root, configName)

		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "parsing %s: %s\n", path, err)
			os.Exit(1)
		}
	}

	parser.Options = origOptions
	MustParseArgs(parser)
}

// MustParseArgs requires that |parser| parse os.Args without error.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "command failed")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// A malformed configuration struct, rather than bad input.
		panic(err)

	case flags.ErrCommandRequired:
		os.Stderr.WriteString("\n")
		parser.WriteHelp(os.Stderr)
		printVersion()
		os.Exit(1)

	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			parser.WriteHelp(os.Stderr)
		}
		printVersion()
		os.Exit(0)

	default:
		// go-flags has already printed the input error.
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Fprintf(os.Stderr, "\nlivestore %s, built at %s.\n", Version, BuildDate)
}

// AddPrintConfigCmd adds a "print-config" command to |parser|, which writes
// the combined runtime configuration in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	var _, err = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and writes it to stdout in INI format. Use it to
check which settings a command will run with.
`, &printConfig{parser})
	Must(err, "adding print-config command")
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
