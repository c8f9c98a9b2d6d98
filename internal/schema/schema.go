// Package schema declares the collections and indexes of the local progress
// store. The descriptor is built by folding an append-only list of
// migrations, so every version of the store has exactly one definition.
package schema

import (
	"fmt"
	"regexp"
	"sort"
)

// Collection names used by the progress store
const (
	Progress         = "progress"
	PendingMutations = "pendingMutations"
)

// Index is a secondary index over a JSON key path of the stored documents
type Index struct {
	Name    string `json:"name" yaml:"name"`
	KeyPath string `json:"keyPath" yaml:"keyPath"`
	Unique  bool   `json:"unique" yaml:"unique"`
}

// Collection is a named store of documents keyed by PrimaryKey
type Collection struct {
	Name       string  `json:"name" yaml:"name"`
	PrimaryKey string  `json:"primaryKey" yaml:"primaryKey"`
	Indexes    []Index `json:"indexes" yaml:"indexes"`
}

// Index looks up an index by name
func (c Collection) Index(name string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

func (c Collection) clone() Collection {
	out := c
	out.Indexes = append([]Index(nil), c.Indexes...)
	return out
}

// Descriptor is the full schema of the store at one version. Values are
// treated as immutable: every With* method returns a modified copy.
type Descriptor struct {
	Version     int          `json:"version" yaml:"version"`
	Collections []Collection `json:"collections" yaml:"collections"`
}

// Collection looks up a collection by name
func (d Descriptor) Collection(name string) (Collection, bool) {
	for _, c := range d.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// CollectionNames returns the collection names in sorted order
func (d Descriptor) CollectionNames() []string {
	names := make([]string, 0, len(d.Collections))
	for _, c := range d.Collections {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func (d Descriptor) clone() Descriptor {
	out := Descriptor{Version: d.Version, Collections: make([]Collection, 0, len(d.Collections))}
	for _, c := range d.Collections {
		out.Collections = append(out.Collections, c.clone())
	}
	return out
}

// WithCollection adds a collection, replacing one with the same name
func (d Descriptor) WithCollection(c Collection) Descriptor {
	out := d.clone()
	for i := range out.Collections {
		if out.Collections[i].Name == c.Name {
			out.Collections[i] = c.clone()
			return out
		}
	}
	out.Collections = append(out.Collections, c.clone())
	return out
}

// WithIndex adds an index to an existing collection, replacing one with the same name
func (d Descriptor) WithIndex(collection string, idx Index) Descriptor {
	out := d.clone()
	for i := range out.Collections {
		c := &out.Collections[i]
		if c.Name != collection {
			continue
		}
		for j := range c.Indexes {
			if c.Indexes[j].Name == idx.Name {
				c.Indexes[j] = idx
				return out
			}
		}
		c.Indexes = append(c.Indexes, idx)
	}
	return out
}

// WithoutIndex removes an index from a collection
func (d Descriptor) WithoutIndex(collection, name string) Descriptor {
	out := d.clone()
	for i := range out.Collections {
		c := &out.Collections[i]
		if c.Name != collection {
			continue
		}
		kept := c.Indexes[:0]
		for _, idx := range c.Indexes {
			if idx.Name != name {
				kept = append(kept, idx)
			}
		}
		c.Indexes = kept
	}
	return out
}

// Normalize sorts collections and indexes by name so descriptors built along
// different migration paths compare equal.
func (d Descriptor) Normalize() Descriptor {
	out := d.clone()
	sort.Slice(out.Collections, func(i, j int) bool { return out.Collections[i].Name < out.Collections[j].Name })
	for i := range out.Collections {
		idx := out.Collections[i].Indexes
		sort.Slice(idx, func(a, b int) bool { return idx[a].Name < idx[b].Name })
		if len(idx) == 0 {
			out.Collections[i].Indexes = nil
		}
	}
	return out
}

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	keyPathRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// ValidName reports whether s can be used as a collection or index name
func ValidName(s string) bool {
	return nameRe.MatchString(s)
}

// Validate checks names and key paths. The store manager relies on it
// before turning a descriptor into DDL.
func (d Descriptor) Validate() error {
	if d.Version < 1 {
		return fmt.Errorf("schema: version must be positive, got %d", d.Version)
	}
	seen := make(map[string]bool, len(d.Collections))
	for _, c := range d.Collections {
		if !ValidName(c.Name) || c.Name[0] == '_' {
			return fmt.Errorf("schema: invalid collection name %q", c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("schema: duplicate collection %q", c.Name)
		}
		seen[c.Name] = true
		if !keyPathRe.MatchString(c.PrimaryKey) {
			return fmt.Errorf("schema: collection %q has invalid primary key %q", c.Name, c.PrimaryKey)
		}
		idxSeen := make(map[string]bool, len(c.Indexes))
		for _, idx := range c.Indexes {
			if !ValidName(idx.Name) {
				return fmt.Errorf("schema: collection %q has invalid index name %q", c.Name, idx.Name)
			}
			if idxSeen[idx.Name] {
				return fmt.Errorf("schema: collection %q has duplicate index %q", c.Name, idx.Name)
			}
			idxSeen[idx.Name] = true
			if !keyPathRe.MatchString(idx.KeyPath) {
				return fmt.Errorf("schema: index %s.%s has invalid key path %q", c.Name, idx.Name, idx.KeyPath)
			}
		}
	}
	return nil
}
