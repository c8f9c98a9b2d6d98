package schema

import "fmt"

// Migration moves a descriptor from Version-1 to Version. Apply must be pure.
type Migration struct {
	Version int
	Name    string
	Apply   func(Descriptor) Descriptor
}

// Migrations is the append-only history of the progress store schema.
// Never edit or reorder an entry that has shipped; add a new one instead.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "progress collection",
		Apply: func(d Descriptor) Descriptor {
			return d.WithCollection(Collection{
				Name:       Progress,
				PrimaryKey: "itemId",
				Indexes: []Index{
					{Name: "by_mastery", KeyPath: "masteryLevel"},
				},
			})
		},
	},
	{
		Version: 2,
		Name:    "due date index",
		Apply: func(d Descriptor) Descriptor {
			return d.WithIndex(Progress, Index{Name: "by_next_review", KeyPath: "nextReviewAt"})
		},
	},
	{
		Version: 3,
		Name:    "pending mutations",
		Apply: func(d Descriptor) Descriptor {
			return d.WithCollection(Collection{
				Name:       PendingMutations,
				PrimaryKey: "id",
				Indexes: []Index{
					{Name: "by_synced", KeyPath: "synced"},
					{Name: "by_item", KeyPath: "itemId"},
					{Name: "by_created", KeyPath: "createdAt"},
				},
			})
		},
	},
}

// Index names used by the progress store
const (
	ByMastery    = "by_mastery"
	ByNextReview = "by_next_review"
	BySynced     = "by_synced"
	ByItem       = "by_item"
	ByCreated    = "by_created"
)

// Build folds migrations up to version. Migration versions must be
// contiguous starting at 1.
func Build(migrations []Migration, version int) (Descriptor, error) {
	if version < 1 || version > len(migrations) {
		return Descriptor{}, fmt.Errorf("schema: no migration path to version %d (have %d)", version, len(migrations))
	}
	d := Descriptor{}
	for i, m := range migrations[:version] {
		if m.Version != i+1 {
			return Descriptor{}, fmt.Errorf("schema: migration %q has version %d, expected %d", m.Name, m.Version, i+1)
		}
		d = m.Apply(d)
		d.Version = m.Version
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// At returns the progress store descriptor at a given version
func At(version int) (Descriptor, error) {
	return Build(Migrations, version)
}

// Latest returns the authoritative progress store descriptor
func Latest() Descriptor {
	d, err := Build(Migrations, len(Migrations))
	if err != nil {
		panic(err)
	}
	return d
}
