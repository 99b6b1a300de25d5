package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"listing-experiments/internal/imagestore"
	"listing-experiments/internal/models"
)

// GormDB is the relational shop repository. Image files still live on
// disk under layout; only manifests are stored in the database.
type GormDB struct {
	db     *gorm.DB
	layout imagestore.Layout
}

func NewGormDB(host, port, user, password, dbname string, layout imagestore.Layout) (*GormDB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	})
	if err != nil {
		return nil, err
	}

	// Test connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}

	return &GormDB{db: db, layout: layout}, nil
}

// NewGormDBFromDB creates a GormDB wrapper from an existing gorm.DB instance
func NewGormDBFromDB(db *gorm.DB, layout imagestore.Layout) *GormDB {
	return &GormDB{db: db, layout: layout}
}

func (gdb *GormDB) Close() error {
	sqlDB, err := gdb.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InitSchema creates tables using GORM AutoMigrate
func (gdb *GormDB) InitSchema() error {
	return gdb.db.AutoMigrate(
		&models.Listing{},
		&models.ImageManifestRecord{},
		&models.ListingViews{},
		&models.ExperimentRecord{},
		&models.ProposalRecord{},
		&models.SettingsRecord{},
	)
}

func (gdb *GormDB) Layout() imagestore.Layout {
	return gdb.layout
}

// ---------------------------------------------------------------------------
// Listings

func (gdb *GormDB) SaveListings(shopID int64, listings []*models.Listing) error {
	return gdb.db.Transaction(func(tx *gorm.DB) error {
		for _, l := range listings {
			row := l.Clone()
			row.ShopID = shopID
			if err := tx.Save(row).Error; err != nil {
				return fmt.Errorf("failed to save listing %d: %w", l.ListingID, err)
			}
		}
		return nil
	})
}

func (gdb *GormDB) ListListings(shopID int64) ([]*models.Listing, error) {
	var listings []*models.Listing
	if err := gdb.db.Where("shop_id = ?", shopID).Order("listing_id").Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

func (gdb *GormDB) GetListingSnapshot(shopID, listingID int64) (*models.Listing, error) {
	var listing models.Listing
	err := gdb.db.Where("shop_id = ? AND listing_id = ?", shopID, listingID).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

func (gdb *GormDB) UpsertListingSnapshot(shopID int64, listing *models.Listing) error {
	row := listing.Clone()
	row.ShopID = shopID
	return gdb.db.Save(row).Error
}

// ---------------------------------------------------------------------------
// Image manifests

func (gdb *GormDB) manifestRow(tx *gorm.DB, shopID, listingID int64) (*models.ImageManifestRecord, error) {
	var row models.ImageManifestRecord
	err := tx.Where("shop_id = ? AND listing_id = ?", shopID, listingID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (gdb *GormDB) GetImagesSnapshot(shopID, listingID int64) (*models.ImageManifest, error) {
	row, err := gdb.manifestRow(gdb.db, shopID, listingID)
	if err != nil || row == nil {
		return nil, err
	}
	return &row.Manifest, nil
}

func (gdb *GormDB) SaveImagesManifest(shopID, listingID int64, manifest *models.ImageManifest) error {
	row := models.ImageManifestRecord{ShopID: shopID, ListingID: listingID, Manifest: *manifest.Clone()}
	return gdb.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "shop_id"}, {Name: "listing_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"manifest", "updated_at"}),
	}).Create(&row).Error
}

func (gdb *GormDB) ArchiveImageEntry(shopID, listingID, imageID int64) (*models.ImageFile, error) {
	return gdb.moveImageEntry(shopID, listingID, func(m *models.ImageManifest) (*models.ImageFile, error) {
		return imagestore.Archive(m, gdb.layout.ArchiveDir(shopID, listingID), imageID)
	})
}

func (gdb *GormDB) RestoreImageEntry(shopID, listingID, imageID int64) (*models.ImageFile, error) {
	return gdb.moveImageEntry(shopID, listingID, func(m *models.ImageManifest) (*models.ImageFile, error) {
		return imagestore.Restore(m, gdb.layout.ListingDir(shopID, listingID), imageID)
	})
}

func (gdb *GormDB) moveImageEntry(shopID, listingID int64, move func(*models.ImageManifest) (*models.ImageFile, error)) (*models.ImageFile, error) {
	var entry *models.ImageFile
	err := gdb.db.Transaction(func(tx *gorm.DB) error {
		row, err := gdb.manifestRow(tx, shopID, listingID)
		if err != nil || row == nil {
			return err
		}
		entry, err = move(&row.Manifest)
		if err != nil || entry == nil {
			return err
		}
		return tx.Save(row).Error
	})
	return entry, err
}

// ---------------------------------------------------------------------------
// Performance history

func (gdb *GormDB) LoadHistory(ctx context.Context, shopID int64) (models.PerformanceHistory, error) {
	var rows []models.ListingViews
	if err := gdb.db.WithContext(ctx).Where("shop_id = ?", shopID).Find(&rows).Error; err != nil {
		return nil, err
	}
	history := make(models.PerformanceHistory)
	for _, r := range rows {
		snap, ok := history[r.SnapshotOn]
		if !ok {
			snap = make(map[string]int)
			history[r.SnapshotOn] = snap
		}
		snap[fmt.Sprint(r.ListingID)] = r.Views
	}
	return history, nil
}

func (gdb *GormDB) RecordPerformance(ctx context.Context, shopID int64, date string, views map[int64]int) error {
	if len(views) == 0 {
		return nil
	}
	rows := make([]models.ListingViews, 0, len(views))
	for listingID, v := range views {
		rows = append(rows, models.ListingViews{ShopID: shopID, SnapshotOn: date, ListingID: listingID, Views: v})
	}
	return gdb.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "shop_id"}, {Name: "snapshot_on"}, {Name: "listing_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"views"}),
	}).Create(&rows).Error
}

// ---------------------------------------------------------------------------
// Settings and proposals

func (gdb *GormDB) ExperimentSettings(shopID int64) (models.ExperimentSettings, error) {
	var row models.SettingsRecord
	err := gdb.db.First(&row, "shop_id = ?", shopID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DefaultExperimentSettings(), nil
	}
	if err != nil {
		return models.ExperimentSettings{}, err
	}
	return models.ExperimentSettings{RunDurationDays: row.RunDurationDays, Tolerance: row.Tolerance}, nil
}

func (gdb *GormDB) SaveExperimentSettings(shopID int64, settings models.ExperimentSettings) error {
	return gdb.db.Save(&models.SettingsRecord{
		ShopID:          shopID,
		RunDurationDays: settings.RunDurationDays,
		Tolerance:       settings.Tolerance,
	}).Error
}

func (gdb *GormDB) GetProposal(shopID, listingID int64) (*models.Proposal, error) {
	var row models.ProposalRecord
	err := gdb.db.Where("shop_id = ? AND listing_id = ?", shopID, listingID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row.Proposal, nil
}

func (gdb *GormDB) ListProposals(shopID int64) ([]*models.Proposal, error) {
	var rows []models.ProposalRecord
	if err := gdb.db.Where("shop_id = ?", shopID).Order("listing_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Proposal, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i].Proposal)
	}
	return out, nil
}

func (gdb *GormDB) SaveProposal(shopID int64, proposal *models.Proposal) error {
	row := models.ProposalRecord{ShopID: shopID, ListingID: proposal.ListingID, Proposal: *proposal}
	return gdb.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "shop_id"}, {Name: "listing_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"proposal"}),
	}).Create(&row).Error
}

func (gdb *GormDB) DeleteProposal(shopID, listingID int64) error {
	return gdb.db.Where("shop_id = ? AND listing_id = ?", shopID, listingID).Delete(&models.ProposalRecord{}).Error
}
