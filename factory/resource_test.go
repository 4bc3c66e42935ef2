package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/resource-engine/allocation"
)

func TestParseResource_Shareable(t *testing.T) {
	f := NewResourceFactory()
	in, err := f.ParseResource(`{"id":"hall-a","name":"Hall A","kind":"shareable","organization_id":"acme","max_concurrent_usage":120}`)
	require.NoError(t, err)

	assert.Equal(t, allocation.ResourceID("hall-a"), in.ID)
	assert.Equal(t, allocation.KindShareable, in.Kind)
	assert.Equal(t, allocation.OrganizationID("acme"), in.OrganizationID)
	require.NotNil(t, in.MaxConcurrentUsage)
	assert.Equal(t, 120, *in.MaxConcurrentUsage)
}

func TestParseResource_DefaultsToExclusive(t *testing.T) {
	in, err := NewResourceFactory().ParseResource(`{"name":"Room 101"}`)
	require.NoError(t, err)
	assert.Equal(t, allocation.KindExclusive, in.Kind)
	assert.Empty(t, in.OrganizationID)
}

func TestParseResource_Rejections(t *testing.T) {
	tests := []struct {
		name string
		json string
		code string
	}{
		{"unknown kind", `{"name":"x","kind":"borrowable"}`, allocation.CodeInvalidKind},
		{"shareable without cap", `{"name":"x","kind":"shareable"}`, allocation.CodeCapacityNotConfigured},
		{"cap on consumable", `{"name":"x","kind":"consumable","max_concurrent_usage":3}`, allocation.CodeCapacityNotAllowed},
		{"stock on exclusive", `{"name":"x","initial_stock":4}`, allocation.CodeWrongKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResourceFactory().ParseResource(tt.json)
			var invalid *allocation.InvalidRequestError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.code, invalid.Code)
		})
	}

	_, err := NewResourceFactory().ParseResource(`{not json`)
	assert.Error(t, err)
}

func TestToJSON_RoundTripsDefinition(t *testing.T) {
	limit := 4
	r := allocation.Resource{ID: "proj", Name: "Projectors", Kind: allocation.KindShareable, MaxConcurrentUsage: &limit, CachedStock: 99}

	f := NewResourceFactory()
	in, err := f.FromJSON(f.ToJSON(r))
	require.NoError(t, err)
	assert.Equal(t, r.ID, in.ID)
	assert.Equal(t, r.Kind, in.Kind)
	assert.Equal(t, 0, in.InitialStock)
}

func TestLoadCatalog(t *testing.T) {
	// GIVEN: A catalog with one bad entry
	// THEN: Loading fails and names the entry

	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"resources":[
		{"id":"room","name":"Room"},
		{"id":"badges","name":"Badges","kind":"consumable","initial_stock":50}
	]}`), 0o600))

	inputs, err := NewResourceFactory().LoadCatalog(good)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, 50, inputs[1].InitialStock)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"resources":[{"id":"ok","name":"ok"},{"id":"hall","name":"Hall","kind":"shareable"}]}`), 0o600))
	_, err = NewResourceFactory().LoadCatalog(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog entry 1 (hall)")
}
