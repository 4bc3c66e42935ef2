/*
Package factory provides JSON to Go resource conversion.

PURPOSE:
  Converts JSON resource definitions into allocation.CreateResourceInput so
  catalogs of rooms, equipment and supplies can be configured without code
  changes. The HTTP API decodes POST /resources bodies through it, and the
  server can load a whole catalog file at startup.

JSON SCHEMA:
  {
    "id": "hall-a",
    "name": "Hall A",
    "kind": "shareable",
    "organization_id": "acme",
    "max_concurrent_usage": 120
  }

  {
    "id": "badges",
    "name": "Visitor badges",
    "kind": "consumable",
    "initial_stock": 500
  }

DEFAULTS:
  - kind defaults to "exclusive"
  - organization_id empty means a global resource

USAGE:
  f := factory.NewResourceFactory()
  in, err := f.ParseResource(jsonString)
  resource, err := svc.CreateResource(ctx, in)
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/warp/resource-engine/allocation"
)

// ResourceJSON is the JSON representation of a resource definition.
type ResourceJSON struct {
	ID                 string `json:"id,omitempty"`
	Name               string `json:"name"`
	Kind               string `json:"kind,omitempty"`
	OrganizationID     string `json:"organization_id,omitempty"`
	MaxConcurrentUsage *int   `json:"max_concurrent_usage,omitempty"`
	InitialStock       int    `json:"initial_stock,omitempty"` // consumables only
}

// CatalogJSON is a file of resource definitions.
type CatalogJSON struct {
	Resources []ResourceJSON `json:"resources"`
}

type ResourceFactory struct{}

func NewResourceFactory() *ResourceFactory {
	return &ResourceFactory{}
}

// ParseResource parses a JSON string into a CreateResourceInput.
func (f *ResourceFactory) ParseResource(jsonStr string) (allocation.CreateResourceInput, error) {
	var rj ResourceJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return allocation.CreateResourceInput{}, fmt.Errorf("failed to parse resource JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// FromJSON converts a ResourceJSON and checks the kind invariants so bad
// definitions fail before reaching the service.
func (f *ResourceFactory) FromJSON(rj ResourceJSON) (allocation.CreateResourceInput, error) {
	if rj.Kind == "" {
		rj.Kind = string(allocation.KindExclusive)
	}
	kind, err := allocation.ParseKind(rj.Kind)
	if err != nil {
		return allocation.CreateResourceInput{}, err
	}

	in := allocation.CreateResourceInput{
		ID:                 allocation.ResourceID(rj.ID),
		Name:               rj.Name,
		Kind:               kind,
		OrganizationID:     allocation.OrganizationID(rj.OrganizationID),
		MaxConcurrentUsage: rj.MaxConcurrentUsage,
		InitialStock:       rj.InitialStock,
	}

	candidate := allocation.Resource{ID: in.ID, Kind: in.Kind, MaxConcurrentUsage: in.MaxConcurrentUsage}
	if err := candidate.Validate(); err != nil {
		return allocation.CreateResourceInput{}, err
	}
	if in.InitialStock != 0 && kind != allocation.KindConsumable {
		return allocation.CreateResourceInput{}, &allocation.InvalidRequestError{
			Code:       allocation.CodeWrongKind,
			Message:    "initial_stock is only valid for consumable resources",
			ResourceID: in.ID,
		}
	}
	return in, nil
}

// ToJSON converts a stored resource back into its definition. Stock is a
// ledger fact, not part of the definition, so InitialStock is left zero.
func (f *ResourceFactory) ToJSON(r allocation.Resource) ResourceJSON {
	return ResourceJSON{
		ID:                 string(r.ID),
		Name:               r.Name,
		Kind:               string(r.Kind),
		OrganizationID:     string(r.OrganizationID),
		MaxConcurrentUsage: r.MaxConcurrentUsage,
	}
}

// LoadCatalog reads a catalog file and converts every entry. It stops at the
// first invalid definition.
func (f *ResourceFactory) LoadCatalog(path string) ([]allocation.CreateResourceInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}

	inputs := make([]allocation.CreateResourceInput, 0, len(cj.Resources))
	for i, rj := range cj.Resources {
		in, err := f.FromJSON(rj)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d (%s): %w", i, rj.ID, err)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}
