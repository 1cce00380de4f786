package trackdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE location(
			id INTEGER PRIMARY KEY,
			class TEXT NOT NULL,
			center_lat REAL NOT NULL,
			center_lon REAL NOT NULL,
			buffer_radius_m REAL NOT NULL,
			first_seen INT NOT NULL,
			last_seen INT NOT NULL,
			detection_count INT NOT NULL,
			avg_confidence REAL NOT NULL,
			status TEXT NOT NULL,
			miss_streak INT NOT NULL,
			confirm_streak INT NOT NULL,
			last_swept INT NOT NULL
		);
		CREATE INDEX idx_location_class_center ON location (class, center_lat, center_lon);
		CREATE INDEX idx_location_status ON location (status);

		CREATE TABLE detection(
			id INTEGER PRIMARY KEY,
			location_id INT,
			class TEXT NOT NULL,
			confidence REAL NOT NULL,
			x_min INT NOT NULL,
			y_min INT NOT NULL,
			x_max INT NOT NULL,
			y_max INT NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			source_image_id TEXT NOT NULL,
			captured_at INT NOT NULL,
			pass_id TEXT NOT NULL
		);
		CREATE INDEX idx_detection_location ON detection (location_id);
		CREATE INDEX idx_detection_captured_at ON detection (captured_at);
		CREATE UNIQUE INDEX idx_detection_identity ON detection (source_image_id, class, x_min, y_min, x_max, y_max, captured_at);

		CREATE TABLE scan_pass(
			id INTEGER PRIMARY KEY,
			pass_id TEXT NOT NULL,
			started_at INT NOT NULL,
			finished_at INT NOT NULL,
			zoom INT NOT NULL,
			summary TEXT
		);
		CREATE UNIQUE INDEX idx_scan_pass_pass_id ON scan_pass (pass_id);
	`))

	return migs
}
