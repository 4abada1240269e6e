package simulations

import (
	"fmt"
	"sort"

	"github.com/getpup/fleetsim"
)

// ModelCatalog is the read-only set of device models simulations can reference.
type ModelCatalog struct {
	models map[string]fleetsim.DeviceModel
}

// NewModelCatalog indexes models by id. Later duplicates replace earlier ones.
func NewModelCatalog(models []fleetsim.DeviceModel) *ModelCatalog {
	c := &ModelCatalog{models: make(map[string]fleetsim.DeviceModel, len(models))}
	for _, m := range models {
		c.models[m.ID] = m
	}
	return c
}

// Get returns a device model by id.
// Returns fleetsim.ErrDeviceModelNotFound if the id is unknown.
func (c *ModelCatalog) Get(id string) (fleetsim.DeviceModel, error) {
	m, ok := c.models[id]
	if !ok {
		return fleetsim.DeviceModel{}, fmt.Errorf("%w: %s", fleetsim.ErrDeviceModelNotFound, id)
	}
	return m, nil
}

// IDs returns the known model ids in sorted order.
func (c *ModelCatalog) IDs() []string {
	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that every device model referenced by sim exists.
func (c *ModelCatalog) Validate(sim fleetsim.Simulation) error {
	for _, ref := range sim.DeviceModels {
		if _, err := c.Get(ref.ID); err != nil {
			return fmt.Errorf("simulation %s: %w", sim.ID, err)
		}
	}
	return nil
}
