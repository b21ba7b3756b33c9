package librarydb

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
		CREATE TABLE training_set(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			blob_name TEXT NOT NULL,
			created_at INT NOT NULL,
			num_groups INT NOT NULL,
			num_images INT NOT NULL,
			num_bytes INT NOT NULL,
			labels TEXT
		);

		CREATE INDEX idx_training_set_created_at ON training_set (created_at);
	`))

	return migs
}
