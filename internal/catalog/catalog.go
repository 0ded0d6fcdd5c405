// Package catalog loads ad-unit definitions and writes them to the store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"rewardledger/internal/audit"
	"rewardledger/internal/model"
	"rewardledger/internal/repository"
)

type file struct {
	AdUnits []unit `yaml:"ad_units"`
}

// unit is the on-disk form; amounts stay strings so no float touches them.
type unit struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	RewardMin       string `yaml:"reward_min"`
	RewardMax       string `yaml:"reward_max"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
	DailyCap        int    `yaml:"daily_cap"`
	IsActive        *bool  `yaml:"is_active,omitempty"`
}

// Default is used when no catalog file is configured.
func Default() []model.AdUnit {
	return []model.AdUnit{{
		ID:              "rewarded_video",
		Name:            "Rewarded Video",
		RewardMin:       decimal.RequireFromString("0.002"),
		RewardMax:       decimal.RequireFromString("0.01"),
		CooldownSeconds: 60,
		DailyCap:        30,
		Enabled:         true,
	}}
}

// Load reads a YAML catalog. An empty path yields Default().
func Load(path string) ([]model.AdUnit, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ad unit catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]model.AdUnit, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing ad unit catalog: %w", err)
	}
	if len(f.AdUnits) == 0 {
		return nil, model.ErrValidation.With("ad unit catalog is empty")
	}

	seen := make(map[string]bool, len(f.AdUnits))
	units := make([]model.AdUnit, 0, len(f.AdUnits))
	var errs []error
	for _, u := range f.AdUnits {
		au, err := u.toModel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[au.ID] {
			errs = append(errs, model.ErrValidation.With("ad unit %s defined twice", au.ID))
			continue
		}
		seen[au.ID] = true
		units = append(units, au)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return units, nil
}

func (u unit) toModel() (model.AdUnit, error) {
	lo, err := decimal.NewFromString(u.RewardMin)
	if err != nil {
		return model.AdUnit{}, model.ErrValidation.With("ad unit %s: reward_min %q", u.ID, u.RewardMin)
	}
	hi, err := decimal.NewFromString(u.RewardMax)
	if err != nil {
		return model.AdUnit{}, model.ErrValidation.With("ad unit %s: reward_max %q", u.ID, u.RewardMax)
	}
	au := model.AdUnit{
		ID:              u.ID,
		Name:            u.Name,
		RewardMin:       lo,
		RewardMax:       hi,
		CooldownSeconds: u.CooldownSeconds,
		DailyCap:        u.DailyCap,
		Enabled:         u.IsActive == nil || *u.IsActive,
	}
	if au.Name == "" {
		au.Name = au.ID
	}
	return au, au.Validate()
}

// Seed upserts units, auditing each write as a system action. Existing
// sessions keep the reward range they were issued with.
func Seed(ctx context.Context, store repository.Store, recorder *audit.Recorder, units []model.AdUnit, now time.Time, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, u := range units {
		if err := u.Validate(); err != nil {
			return err
		}
		err := store.Within(ctx, func(ctx context.Context, tx repository.Tx) error {
			if err := tx.UpsertAdUnit(ctx, u); err != nil {
				return fmt.Errorf("upsert ad unit %s: %w", u.ID, err)
			}
			return recorder.Record(ctx, tx, "", model.ActionAdUnitUpserted, map[string]any{
				"ad_unit_id":       u.ID,
				"reward_min":       u.RewardMin.String(),
				"reward_max":       u.RewardMax.String(),
				"cooldown_seconds": u.CooldownSeconds,
				"daily_cap":        u.DailyCap,
				"is_active":        u.Enabled,
			}, now)
		})
		if err != nil {
			return err
		}
		logger.Info("ad unit seeded", "event", model.ActionAdUnitUpserted, "ad_unit_id", u.ID)
	}
	return nil
}
