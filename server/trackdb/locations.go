package trackdb

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

// LocationsByClass returns every location of the given class, ordered by ID.
// The tracker snapshots these at the start of a pass, so that matching within
// the pass is against frozen state.
func (t *TrackDB) LocationsByClass(ctx context.Context, class string) ([]Location, error) {
	var locations []Location
	err := t.withRetry(ctx, func(db *gorm.DB) error {
		return db.Where("class = ?", class).Order("id").Find(&locations).Error
	})
	if err != nil {
		return nil, err
	}
	return locations, nil
}

// AllLocations returns every location in the registry, ordered by ID.
func (t *TrackDB) AllLocations(ctx context.Context) ([]Location, error) {
	var locations []Location
	err := t.withRetry(ctx, func(db *gorm.DB) error {
		return db.Order("id").Find(&locations).Error
	})
	if err != nil {
		return nil, err
	}
	return locations, nil
}

// GetLocation returns a single location, or gorm.ErrRecordNotFound.
func (t *TrackDB) GetLocation(ctx context.Context, id int64) (*Location, error) {
	location := Location{}
	err := t.withRetry(ctx, func(db *gorm.DB) error {
		return db.First(&location, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &location, nil
}

func (t *TrackDB) CreateLocation(ctx context.Context, location *Location) error {
	return t.withRetry(ctx, func(db *gorm.DB) error {
		return db.Create(location).Error
	})
}

// SaveLocation writes all fields of an existing location back to the store.
func (t *TrackDB) SaveLocation(ctx context.Context, location *Location) error {
	return t.withRetry(ctx, func(db *gorm.DB) error {
		return db.Save(location).Error
	})
}

// InsertDetection records a detection. Identity is (source image, class,
// bounding box, capture time); if a detection with the same identity already
// exists, the insert is silently skipped and the function returns
// (false, nil). The unique index is the final arbiter, so two racing passes
// cannot both record the same observation, which is what makes pass replays
// idempotent.
func (t *TrackDB) InsertDetection(ctx context.Context, det *Detection) (inserted bool, err error) {
	err = t.withRetry(ctx, func(db *gorm.DB) error {
		return db.Create(det).Error
	})
	if err != nil {
		if isUniqueConstraint(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DetectionsForLocation returns the detections supporting a location, newest
// first.
func (t *TrackDB) DetectionsForLocation(ctx context.Context, locationID int64) ([]Detection, error) {
	var detections []Detection
	err := t.withRetry(ctx, func(db *gorm.DB) error {
		return db.Where("location_id = ?", locationID).Order("captured_at DESC, id DESC").Find(&detections).Error
	})
	if err != nil {
		return nil, err
	}
	return detections, nil
}

// DistinctCaptureDays returns the number of distinct UTC capture days among a
// location's detections. Promotion from NEW to CONFIRMED requires at least
// two.
func (t *TrackDB) DistinctCaptureDays(ctx context.Context, locationID int64) (int, error) {
	n := int64(0)
	err := t.withRetry(ctx, func(db *gorm.DB) error {
		return db.Model(&Detection{}).
			Where("location_id = ?", locationID).
			Distinct("captured_at / 86400000").
			Count(&n).Error
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (t *TrackDB) SavePass(ctx context.Context, pass *ScanPass) error {
	return t.withRetry(ctx, func(db *gorm.DB) error {
		return db.Save(pass).Error
	})
}

// RecentPasses returns the most recently started passes, newest first.
func (t *TrackDB) RecentPasses(ctx context.Context, limit int) ([]ScanPass, error) {
	var passes []ScanPass
	err := t.withRetry(ctx, func(db *gorm.DB) error {
		return db.Order("started_at DESC, id DESC").Limit(limit).Find(&passes).Error
	})
	if err != nil {
		return nil, err
	}
	return passes, nil
}

func isUniqueConstraint(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT_UNIQUE")
}
