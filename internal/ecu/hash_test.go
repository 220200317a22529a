package ecu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hashTestTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func hashTestChanges() []MapChange {
	return []MapChange{
		{MapID: "ignition_base", Row: 2, Col: 3, OldValue: 28, NewValue: 30},
		{MapID: "boost_target", Row: 0, Col: 1, OldValue: 1.1, NewValue: 1.2},
	}
}

// TestChangesetID_Deterministic verifies identical inputs hash identically.
func TestChangesetID_Deterministic(t *testing.T) {
	a, err := NewChangeset("profile-1", "uds", "alex", "dyno day", hashTestChanges(), hashTestTime)
	require.NoError(t, err)
	b, err := NewChangeset("profile-1", "uds", "alex", "dyno day", hashTestChanges(), hashTestTime)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, a.ID, 64) // hex SHA-256
}

// TestChangesetID_SensitiveToEveryField verifies each field participates.
func TestChangesetID_SensitiveToEveryField(t *testing.T) {
	base, err := NewChangeset("profile-1", "uds", "alex", "dyno day", hashTestChanges(), hashTestTime)
	require.NoError(t, err)

	variants := []Changeset{}
	for _, mutate := range []func(*Changeset){
		func(c *Changeset) { c.ProfileID = "profile-2" },
		func(c *Changeset) { c.Author = "sam" },
		func(c *Changeset) { c.Notes = "street tune" },
		func(c *Changeset) { c.CreatedAt = hashTestTime.Add(time.Second) },
		func(c *Changeset) { c.Changes[0].NewValue = 31 },
		func(c *Changeset) { c.Changes[0], c.Changes[1] = c.Changes[1], c.Changes[0] },
	} {
		cs, err := NewChangeset(base.ProfileID, base.EngineID, base.Author, base.Notes, hashTestChanges(), hashTestTime)
		require.NoError(t, err)
		mutate(&cs)
		id, err := ChangesetID(cs)
		require.NoError(t, err)
		cs.ID = id
		variants = append(variants, cs)
	}

	for i, v := range variants {
		assert.NotEqual(t, base.ID, v.ID, "variant %d should change the id", i)
	}
}

// TestChangesetID_NFCNormalization: composed and decomposed forms of
// the same author string must hash identically.
func TestChangesetID_NFCNormalization(t *testing.T) {
	composed := "José"          // é as single code point
	decomposed := "José"       // e + combining acute
	a, err := NewChangeset("p", "uds", composed, "", hashTestChanges(), hashTestTime)
	require.NoError(t, err)
	b, err := NewChangeset("p", "uds", decomposed, "", hashTestChanges(), hashTestTime)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
}

// TestChangesetID_RequiresEngine rejects unbound changesets.
func TestChangesetID_RequiresEngine(t *testing.T) {
	_, err := NewChangeset("p", "", "alex", "", hashTestChanges(), hashTestTime)
	require.Error(t, err)
}

// TestNewChangeset_FreezesChanges verifies caller mutation after
// construction cannot alter the bundle.
func TestNewChangeset_FreezesChanges(t *testing.T) {
	changes := hashTestChanges()
	cs, err := NewChangeset("p", "uds", "alex", "", changes, hashTestTime)
	require.NoError(t, err)

	changes[0].NewValue = 99
	assert.Equal(t, 30.0, cs.Changes[0].NewValue)
}
