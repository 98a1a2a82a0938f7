package db

import (
	"fmt"
	"io"
	"strconv"
)

// MigrateActions lists the actions RunMigrateCommand accepts.
var MigrateActions = []string{"up", "down", "status", "version", "goto", "force"}

// RunMigrateCommand performs one migrate action against the database at
// dbPath and reports to w. goto and force take a version argument.
func RunMigrateCommand(w io.Writer, dbPath string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("missing action, want one of %v", MigrateActions)
	}
	action := args[0]

	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	migrations := MigrationsFS()

	switch action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "All migrations applied")

	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "Rolled back one migration")

	case "status", "version":
		version, dirty, err := database.MigrateVersion(migrations)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		latest, err := LatestMigrationVersion(migrations)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Current version: %d\n", version)
		fmt.Fprintf(w, "Latest version:  %d\n", latest)
		fmt.Fprintf(w, "Dirty: %v\n", dirty)
		if dirty {
			fmt.Fprintln(w, "A migration failed mid-way; inspect the database, then run: presence migrate force <version>")
		}
		return nil

	case "goto":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateTo(migrations, uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(w, "Migrated to version %d\n", v)

	case "force":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		fmt.Fprintf(w, "Migration version forced to %d\n", v)
		return nil

	default:
		return fmt.Errorf("unknown migrate action %q, want one of %v", action, MigrateActions)
	}

	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func versionArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s needs a version number", args[0])
	}
	v, err := strconv.Atoi(args[1])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version number %q", args[1])
	}
	return v, nil
}
