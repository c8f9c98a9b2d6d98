package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestIsValid(t *testing.T) {
	d := Latest()
	require.NoError(t, d.Validate())
	assert.Equal(t, len(Migrations), d.Version)
	assert.Equal(t, []string{PendingMutations, Progress}, d.CollectionNames())

	progress, ok := d.Collection(Progress)
	require.True(t, ok)
	assert.Equal(t, "itemId", progress.PrimaryKey)
	_, ok = progress.Index(ByNextReview)
	assert.True(t, ok)
}

func TestMigrationsArePure(t *testing.T) {
	base, err := At(1)
	require.NoError(t, err)
	before := base.Normalize()

	_ = Migrations[1].Apply(base)
	_ = Migrations[2].Apply(base)

	assert.Equal(t, before, base.Normalize(), "applying a migration must not mutate its input")
}

func TestBuildSkippingMatchesStepwise(t *testing.T) {
	v1, err := At(1)
	require.NoError(t, err)

	stepwise := v1
	for _, m := range Migrations[1:] {
		stepwise = m.Apply(stepwise)
		stepwise.Version = m.Version
	}

	direct, err := At(3)
	require.NoError(t, err)
	assert.Equal(t, direct.Normalize(), stepwise.Normalize())
}

func TestBuildRejectsBadVersions(t *testing.T) {
	_, err := At(0)
	assert.Error(t, err)
	_, err = At(len(Migrations) + 1)
	assert.Error(t, err)

	gap := []Migration{Migrations[0], {Version: 3, Name: "gap", Apply: func(d Descriptor) Descriptor { return d }}}
	_, err = Build(gap, 2)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		ok   bool
	}{
		{"zero version", Descriptor{}, false},
		{"bad collection name", Descriptor{Version: 1, Collections: []Collection{{Name: "drop table", PrimaryKey: "id"}}}, false},
		{"reserved prefix", Descriptor{Version: 1, Collections: []Collection{{Name: "_meta", PrimaryKey: "id"}}}, false},
		{"bad key path", Descriptor{Version: 1, Collections: []Collection{{Name: "c", PrimaryKey: "a..b"}}}, false},
		{"duplicate index", Descriptor{Version: 1, Collections: []Collection{{Name: "c", PrimaryKey: "id", Indexes: []Index{
			{Name: "i", KeyPath: "x"}, {Name: "i", KeyPath: "y"},
		}}}}, false},
		{"nested key path", Descriptor{Version: 1, Collections: []Collection{{Name: "c", PrimaryKey: "id", Indexes: []Index{
			{Name: "i", KeyPath: "meta.score"},
		}}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWithoutIndex(t *testing.T) {
	d := Latest().WithoutIndex(PendingMutations, BySynced)
	c, ok := d.Collection(PendingMutations)
	require.True(t, ok)
	_, ok = c.Index(BySynced)
	assert.False(t, ok)

	orig, _ := Latest().Collection(PendingMutations)
	_, ok = orig.Index(BySynced)
	assert.True(t, ok)
}
