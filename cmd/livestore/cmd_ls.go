package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.livestore.dev/core/cursor"
	"go.livestore.dev/core/index"
	mbp "go.livestore.dev/core/mainboilerplate"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/stores"
	"gopkg.in/yaml.v2"
)

type cmdList struct {
	Format    string `long:"format" short:"o" choice:"table" choice:"json" choice:"yaml" default:"table" description:"Output format"`
	Recursive bool   `long:"recursive" short:"R" description:"List every key under the prefix, rather than immediate children"`
	Args      struct {
		Prefix string `positional-arg-name:"prefix" description:"Prefix to list, relative to --store.root"`
	} `positional-args:"yes"`
}

// listing is a row of ls output.
type listing struct {
	Name         string    `json:"name" yaml:"name"`
	Folder       bool      `json:"folder,omitempty" yaml:"folder,omitempty"`
	Size         int64     `json:"size" yaml:"size"`
	LastModified time.Time `json:"lastModified" yaml:"lastModified"`
}

func (cmd *cmdList) Execute([]string) error {
	var ctx, cancel = startup()
	defer cancel()

	var rows, err = listPrefix(ctx, Config.Store.MustStore(), Config.Store.Root, cmd.Args.Prefix, cmd.Recursive)
	mbp.Must(err, "failed to list prefix")

	switch cmd.Format {
	case "json":
		mbp.Must(writeJSON(os.Stdout, rows), "failed to encode to json")
	case "yaml":
		mbp.Must(writeYAML(os.Stdout, rows), "failed to encode to yaml")
	default:
		writeTable(os.Stdout, rows)
	}
	return nil
}

// listPrefix refreshes an Index of |store| under |root|, and returns the
// folders and then files of |prefix|, each sorted by name.
func listPrefix(ctx context.Context, store stores.Store, root, prefix string, recursive bool) ([]listing, error) {
	var ix = index.New(index.Config{Store: store, Root: root})
	if err := ix.FullRefresh(ctx); err != nil {
		return nil, err
	}

	var c = cursor.New(ix, pb.JoinKey(root, prefix))
	defer c.Dispose()

	var rows []listing
	if !recursive {
		for _, f := range c.GetImmediateChildFolders("") {
			rows = append(rows, listing{
				Name:         f.Key + "/",
				Folder:       true,
				Size:         f.Size,
				LastModified: f.LastModified,
			})
		}
	}

	var files []listing
	for rel, meta := range c.GetChildren() {
		if !recursive && strings.Contains(rel, "/") {
			continue
		}
		files = append(files, listing{Name: rel, Size: meta.Size, LastModified: meta.LastModified})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	return append(rows, files...), nil
}

func writeTable(w io.Writer, rows []listing) {
	var table = tablewriter.NewWriter(w)
	table.Header("Name", "Size", "Modified")

	for _, r := range rows {
		var modified = ""
		if !r.LastModified.IsZero() {
			modified = humanize.Time(r.LastModified)
		}
		_ = table.Append([]string{r.Name, humanize.IBytes(uint64(r.Size)), modified})
	}
	_ = table.Render()
}

func writeJSON(w io.Writer, rows []listing) error {
	var enc = json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func writeYAML(w io.Writer, rows []listing) error {
	var b, err = yaml.Marshal(rows)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
