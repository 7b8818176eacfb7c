package memstore

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/imrishuroy/go-grocery-orderflow/internal/catalog"
	"github.com/imrishuroy/go-grocery-orderflow/internal/delivery"
)

// Seed is the file format of the memory driver's starting data.
type Seed struct {
	Products []struct {
		ID       string            `yaml:"id"`
		Name     string            `yaml:"name"`
		Unit     string            `yaml:"unit"`
		Stock    int               `yaml:"stock"`
		IsActive bool              `yaml:"is_active"`
		Price    map[string]string `yaml:"price"`
	} `yaml:"products"`
	Agents []struct {
		ID             string `yaml:"id"`
		UserID         string `yaml:"user_id"`
		Verified       bool   `yaml:"verified"`
		VehicleDetails string `yaml:"vehicle_details"`
	} `yaml:"agents"`
}

// LoadSeedFile reads a yaml seed file into s.
func (s *Store) LoadSeedFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	return s.LoadSeed(ctx, raw)
}

func (s *Store) LoadSeed(ctx context.Context, raw []byte) error {
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	for _, sp := range seed.Products {
		if sp.ID == "" || sp.Stock < 0 {
			return fmt.Errorf("seed product %q: id required and stock must be >= 0", sp.ID)
		}
		prices := make(map[string]decimal.Decimal, len(sp.Price))
		for loc, v := range sp.Price {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return fmt.Errorf("seed product %s price %s: %w", sp.ID, loc, err)
			}
			if d.IsNegative() {
				return fmt.Errorf("seed product %s price %s is negative", sp.ID, loc)
			}
			prices[loc] = d
		}
		if err := s.PutProduct(ctx, catalog.Product{
			ID: sp.ID, Name: sp.Name, Unit: sp.Unit, Stock: sp.Stock, Price: prices, IsActive: sp.IsActive,
		}); err != nil {
			return err
		}
	}
	for _, sa := range seed.Agents {
		if sa.UserID == "" {
			return fmt.Errorf("seed agent %q: user_id required", sa.ID)
		}
		if err := s.PutProfile(ctx, delivery.Profile{
			ID: sa.ID, UserID: sa.UserID, Verified: sa.Verified, VehicleDetails: sa.VehicleDetails,
		}); err != nil {
			return err
		}
	}
	return nil
}
