package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"listing-experiments/internal/models"
)

var ErrNotFound = errors.New("not found")

func (gdb *GormDB) findExperiments(shopID int64, collection models.ExperimentCollection) ([]models.ExperimentRecord, error) {
	var rows []models.ExperimentRecord
	err := gdb.db.Where("shop_id = ? AND collection = ?", shopID, collection).Order("id").Find(&rows).Error
	return rows, err
}

func (gdb *GormDB) firstExperiment(tx *gorm.DB, query string, args ...any) (*models.ExperimentRecord, error) {
	var row models.ExperimentRecord
	err := tx.Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func newExperimentRow(shopID, listingID int64, collection models.ExperimentCollection, exp *models.Experiment) *models.ExperimentRecord {
	return &models.ExperimentRecord{
		ShopID:       shopID,
		ListingID:    listingID,
		Collection:   collection,
		ExperimentID: exp.ExperimentID,
		State:        exp.State,
		Record:       *exp.Clone(),
	}
}

// ---------------------------------------------------------------------------
// Testing slot

func (gdb *GormDB) GetTesting(shopID, listingID int64) (*models.Experiment, error) {
	row, err := gdb.firstExperiment(gdb.db, "shop_id = ? AND listing_id = ? AND collection = ?",
		shopID, listingID, models.CollectionTesting)
	if err != nil || row == nil {
		return nil, err
	}
	return &row.Record, nil
}

func (gdb *GormDB) ListTesting(shopID int64) (map[int64]*models.Experiment, error) {
	rows, err := gdb.findExperiments(shopID, models.CollectionTesting)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*models.Experiment, len(rows))
	for i := range rows {
		out[rows[i].ListingID] = &rows[i].Record
	}
	return out, nil
}

// SaveTesting replaces whatever occupies the listing's testing slot.
func (gdb *GormDB) SaveTesting(shopID, listingID int64, exp *models.Experiment) error {
	return gdb.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("shop_id = ? AND listing_id = ? AND collection = ?", shopID, listingID, models.CollectionTesting).
			Delete(&models.ExperimentRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(newExperimentRow(shopID, listingID, models.CollectionTesting, exp)).Error
	})
}

func (gdb *GormDB) ClearTesting(shopID, listingID int64) error {
	return gdb.db.Where("shop_id = ? AND listing_id = ? AND collection = ?", shopID, listingID, models.CollectionTesting).
		Delete(&models.ExperimentRecord{}).Error
}

// ---------------------------------------------------------------------------
// Untested backlog

func (gdb *GormDB) GetUntested(shopID, listingID int64, experimentID string) (*models.Experiment, error) {
	row, err := gdb.firstExperiment(gdb.db, "shop_id = ? AND listing_id = ? AND collection = ? AND experiment_id = ?",
		shopID, listingID, models.CollectionUntested, experimentID)
	if err != nil || row == nil {
		return nil, err
	}
	return &row.Record, nil
}

func (gdb *GormDB) ListUntested(shopID int64) (map[int64]map[string]*models.Experiment, error) {
	rows, err := gdb.findExperiments(shopID, models.CollectionUntested)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]map[string]*models.Experiment)
	for i := range rows {
		bucket, ok := out[rows[i].ListingID]
		if !ok {
			bucket = make(map[string]*models.Experiment)
			out[rows[i].ListingID] = bucket
		}
		bucket[rows[i].ExperimentID] = &rows[i].Record
	}
	return out, nil
}

func (gdb *GormDB) AddUntested(shopID, listingID int64, exps ...*models.Experiment) error {
	return gdb.db.Transaction(func(tx *gorm.DB) error {
		for _, exp := range exps {
			if exp.ExperimentID == "" {
				return fmt.Errorf("untested experiment for listing %d has no experiment_id", listingID)
			}
			if err := tx.Where("shop_id = ? AND listing_id = ? AND collection = ? AND experiment_id = ?",
				shopID, listingID, models.CollectionUntested, exp.ExperimentID).
				Delete(&models.ExperimentRecord{}).Error; err != nil {
				return err
			}
			if err := tx.Create(newExperimentRow(shopID, listingID, models.CollectionUntested, exp)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (gdb *GormDB) RemoveUntested(shopID, listingID int64, experimentID string) error {
	return gdb.db.Where("shop_id = ? AND listing_id = ? AND collection = ? AND experiment_id = ?",
		shopID, listingID, models.CollectionUntested, experimentID).
		Delete(&models.ExperimentRecord{}).Error
}

// ---------------------------------------------------------------------------
// Tested archive

func (gdb *GormDB) ListTested(shopID int64) (map[int64][]*models.Experiment, error) {
	rows, err := gdb.findExperiments(shopID, models.CollectionTested)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]*models.Experiment)
	for i := range rows {
		out[rows[i].ListingID] = append(out[rows[i].ListingID], &rows[i].Record)
	}
	return out, nil
}

func (gdb *GormDB) AppendTested(shopID, listingID int64, exp *models.Experiment) error {
	return gdb.db.Create(newExperimentRow(shopID, listingID, models.CollectionTested, exp)).Error
}

// SaveTested replaces the archived row with the same experiment id.
func (gdb *GormDB) SaveTested(shopID, listingID int64, exp *models.Experiment) error {
	return gdb.db.Transaction(func(tx *gorm.DB) error {
		row, err := gdb.firstExperiment(tx, "shop_id = ? AND listing_id = ? AND collection = ? AND experiment_id = ?",
			shopID, listingID, models.CollectionTested, exp.ExperimentID)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("tested experiment %s for listing %d: %w", exp.ExperimentID, listingID, ErrNotFound)
		}
		row.State = exp.State
		row.Record = *exp.Clone()
		return tx.Save(row).Error
	})
}
