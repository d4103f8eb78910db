package stores

import (
	"context"
	"sort"
	"strings"

	pb "go.livestore.dev/core/protocol"
)

// Delimiter separates the levels of a key.
const Delimiter = "/"

// LevelLister is implemented by Stores which natively list a single level
// of a prefix, delimited by Delimiter. Keys passed to |object| are complete,
// and include a marker object at exactly |prefix|. Prefixes passed to
// |commonPrefix| are complete and end in Delimiter. If either callback
// returns an error, listing is terminated and that error is returned.
type LevelLister interface {
	ListLevel(ctx context.Context, prefix string, object func(pb.ObjectMetadata) error, commonPrefix func(string) error) error
}

// Level is a single delimited level of the keys under a prefix.
type Level struct {
	// Marker object at exactly the prefix. Zero if there is none.
	Marker pb.ObjectMetadata
	// Objects directly under the prefix, ordered on Key.
	Objects []pb.ObjectMetadata
	// Sorted prefixes of deeper keys, each including the prefix and
	// ending in Delimiter.
	CommonPrefixes []string
}

// ListLevel lists the immediate children of |prefix|. A Store which is a
// LevelLister lists only that level. Otherwise all keys under |prefix| are
// listed and deeper keys are folded into their common prefixes.
func ListLevel(ctx context.Context, s Store, prefix string) (Level, error) {
	var ll, ok = s.(LevelLister)
	if !ok {
		return foldLevel(ctx, s, prefix)
	}

	var lvl Level
	var err = ll.ListLevel(ctx, prefix,
		func(meta pb.ObjectMetadata) error {
			if meta.Key == prefix {
				lvl.Marker = meta
			} else {
				lvl.Objects = append(lvl.Objects, meta)
			}
			return nil
		},
		func(cp string) error {
			lvl.CommonPrefixes = append(lvl.CommonPrefixes, cp)
			return nil
		})
	lvl.sort()
	return lvl, err
}

// emitLevel folds a complete listing of |prefix| into its Level, and passes
// each of its entries to |object| or |commonPrefix|.
func emitLevel(ctx context.Context, s Store, prefix string, object func(pb.ObjectMetadata) error, commonPrefix func(string) error) error {
	var lvl, err = foldLevel(ctx, s, prefix)
	if err != nil {
		return err
	}
	if lvl.Marker.Key != "" {
		if err = object(lvl.Marker); err != nil {
			return err
		}
	}
	for _, meta := range lvl.Objects {
		if err = object(meta); err != nil {
			return err
		}
	}
	for _, cp := range lvl.CommonPrefixes {
		if err = commonPrefix(cp); err != nil {
			return err
		}
	}
	return nil
}

func foldLevel(ctx context.Context, s Store, prefix string) (Level, error) {
	var levels = make(map[string]*Level)
	var err = s.List(ctx, prefix, func(meta pb.ObjectMetadata) error {
		foldKey(levels, prefix, meta, false)
		return nil
	})
	var lvl Level
	if l, ok := levels[prefix]; ok {
		lvl = *l
	}
	lvl.sort()
	return lvl, err
}

// ListTree lists all keys under |prefix| in a single pass, and folds them
// into the Level of |prefix| and of each common prefix beneath it. Levels
// are keyed on their prefix. A prefix having no keys has no Level.
func ListTree(ctx context.Context, s Store, prefix string) (map[string]*Level, error) {
	var levels = make(map[string]*Level)
	var err = s.List(ctx, prefix, func(meta pb.ObjectMetadata) error {
		foldKey(levels, prefix, meta, true)
		return nil
	})
	for _, l := range levels {
		l.sort()
	}
	return levels, err
}

// foldKey adds |meta| to the Level of |prefix| which contains it. If |deep|,
// it's also added to each Level between |prefix| and its own.
func foldKey(levels map[string]*Level, prefix string, meta pb.ObjectMetadata, deep bool) {
	var rel, ok = strings.CutPrefix(meta.Key, prefix)
	if !ok {
		return
	}
	var cur = level(levels, prefix)

	for {
		var ind = strings.Index(rel, Delimiter)

		if rel == "" {
			cur.Marker = meta
			return
		} else if ind == -1 {
			cur.Objects = append(cur.Objects, meta)
			return
		}

		var child = prefix + rel[:ind+len(Delimiter)]
		if _, ok := levels[child]; !ok {
			cur.CommonPrefixes = append(cur.CommonPrefixes, child)
			levels[child] = new(Level)
		}
		if !deep {
			return
		}
		cur, prefix, rel = levels[child], child, rel[ind+len(Delimiter):]
	}
}

func level(levels map[string]*Level, prefix string) *Level {
	var l, ok = levels[prefix]
	if !ok {
		l = new(Level)
		levels[prefix] = l
	}
	return l
}

func (l *Level) sort() {
	sort.Slice(l.Objects, func(i, j int) bool { return l.Objects[i].Key < l.Objects[j].Key })
	sort.Strings(l.CommonPrefixes)
}
