// Package directory is the read side of the vehicle registry. Registry
// writes happen out of band; the gate only ever asks who a plate belongs
// to.
package directory

import (
	"context"
	"errors"

	"gatewatch/internal/model"
	"gatewatch/internal/storage"
)

type Directory struct {
	store storage.Store
}

func New(store storage.Store) *Directory {
	return &Directory{store: store}
}

// FindByPlate returns nil for an unknown plate; only infrastructure
// failures surface as errors.
func (d *Directory) FindByPlate(ctx context.Context, plate string) (*model.Vehicle, error) {
	v, err := d.store.FindVehicleByPlate(ctx, plate)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
