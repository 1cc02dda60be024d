// Package runlog persists run summaries in SQLite, or in a shared MySQL
// database, so past runs can be listed after the process exits.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/lifecycle"
	"github.com/rocdaq/readout/internal/logger"
)

const componentName = "runlog"

// Run states stored in the log.
const (
	StateActive = "active"
	StateEnded  = "ended"
)

// Run is one persisted run.
type Run struct {
	ID          uint             `gorm:"primaryKey" json:"-"`
	RunID       string           `gorm:"uniqueIndex;size:36;not null" json:"run_id"`
	Crate       string           `gorm:"index;size:64" json:"crate"`
	RunNumber   uint64           `json:"run_number"`
	State       string           `gorm:"size:16" json:"state"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
	Events      uint64           `json:"events"`
	Stalls      uint64           `json:"stalls"`
	Overflows   uint64           `json:"overflows"`
	BadEvents   uint64           `json:"bad_events"`
	DoubleFrees uint64           `json:"double_frees"`
	Discarded   int              `json:"discarded"`
	TimedOut    bool             `json:"timed_out"`
	DrainWaitMs int64            `json:"drain_wait_ms"`
	Channels    []ChannelSummary `gorm:"foreignKey:RunID;references:RunID;constraint:OnDelete:CASCADE" json:"channels,omitempty"`
}

// ChannelSummary holds the end-of-run counters of one channel.
type ChannelSummary struct {
	ID            uint   `gorm:"primaryKey" json:"-"`
	RunID         string `gorm:"index;size:36;not null" json:"-"`
	Channel       string `gorm:"size:64" json:"channel"`
	Published     uint64 `json:"published"`
	Consumed      uint64 `json:"consumed"`
	Stalls        uint64 `json:"stalls"`
	Overflows     uint64 `json:"overflows"`
	BadEvents     uint64 `json:"bad_events"`
	DoubleFrees   uint64 `json:"double_frees"`
	Deferrals     uint64 `json:"deferrals"`
	MaxDeferredMs int64  `json:"max_deferred_ms"`
}

// Store reads and writes the run log.
type Store struct {
	db    *gorm.DB
	crate string
	log   logger.Logger
}

// Open opens or creates the SQLite run log at path. ":memory:" keeps it in
// memory.
func Open(path, crate string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Global().Module(componentName)
	}

	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, dbError(err, "create-directory").Context("path", dir).Build()
			}
		}
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from being opened once per connection.
	return open(sqlite.Open(dsn), crate, log, func(db *sql.DB) {
		db.SetMaxOpenConns(1)
	})
}

// OpenMySQL opens the run log on a MySQL server, creating the tables on
// first use.
func OpenMySQL(cfg conf.MySQLSettings, crate string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return open(mysql.Open(mysqlDSN(cfg)), crate, log, func(db *sql.DB) {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
	})
}

// OpenSettings opens the run log with the configured driver.
func OpenSettings(settings conf.RunLogSettings, crate string, log logger.Logger) (*Store, error) {
	switch settings.Driver {
	case "", conf.RunLogSQLite:
		return Open(settings.Path, crate, log)
	case conf.RunLogMySQL:
		return OpenMySQL(settings.MySQL, crate, log)
	default:
		return nil, errors.Newf("unknown run log driver %q", settings.Driver).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
}

func mysqlDSN(cfg conf.MySQLSettings) string {
	port := cfg.Port
	if port == "" {
		port = "3306"
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.Username, cfg.Password, net.JoinHostPort(cfg.Host, port), cfg.Database)
}

func open(dialector gorm.Dialector, crate string, log logger.Logger, pool func(*sql.DB)) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLogger(log, 200*time.Millisecond),
	})
	if err != nil {
		return nil, dbError(err, "open").Context("driver", dialector.Name()).Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, dbError(err, "open").Context("driver", dialector.Name()).Build()
	}
	pool(sqlDB)

	if err := db.AutoMigrate(&Run{}, &ChannelSummary{}); err != nil {
		_ = sqlDB.Close()
		return nil, dbError(err, "migrate").Context("driver", dialector.Name()).Build()
	}

	return &Store{db: db, crate: crate, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordStart stores a run that has just gone active.
func (s *Store) RecordStart(ctx context.Context, runID string, runNumber uint64, startedAt time.Time) error {
	run := Run{
		RunID:     runID,
		Crate:     s.crate,
		RunNumber: runNumber,
		State:     StateActive,
		StartedAt: startedAt,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return dbError(err, "record-start").Context("run_id", runID).Build()
	}
	return nil
}

// RecordEnd stores the end-of-run report, creating the run if its start was
// never recorded.
func (s *Store) RecordEnd(ctx context.Context, report *lifecycle.EndReport) error {
	if report == nil || report.RunID == "" {
		return errors.Newf("end report without run id").
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		err := tx.Where("run_id = ?", report.RunID).First(&run).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			run = Run{RunID: report.RunID, Crate: s.crate, RunNumber: report.RunNumber, StartedAt: report.StartedAt}
		case err != nil:
			return err
		}

		ended := report.EndedAt
		run.State = StateEnded
		run.EndedAt = &ended
		run.Events = report.Events()
		run.Stalls = report.Stalls()
		run.Overflows = report.Overflows()
		run.Discarded = report.Discarded
		run.TimedOut = report.TimedOut
		run.DrainWaitMs = report.DrainWait.Milliseconds()
		run.BadEvents, run.DoubleFrees = 0, 0
		for i := range report.Channels {
			run.BadEvents += report.Channels[i].BadEvents
			run.DoubleFrees += report.Channels[i].DoubleFrees
		}
		if err := tx.Save(&run).Error; err != nil {
			return err
		}

		if err := tx.Where("run_id = ?", report.RunID).Delete(&ChannelSummary{}).Error; err != nil {
			return err
		}
		if len(report.Channels) == 0 {
			return nil
		}
		summaries := make([]ChannelSummary, 0, len(report.Channels))
		for i := range report.Channels {
			d := &report.Channels[i]
			summaries = append(summaries, ChannelSummary{
				RunID:         report.RunID,
				Channel:       d.Channel,
				Published:     d.Published,
				Consumed:      d.Consumed,
				Stalls:        d.Stalls,
				Overflows:     d.Overflows,
				BadEvents:     d.BadEvents,
				DoubleFrees:   d.DoubleFrees,
				Deferrals:     d.Deferrals,
				MaxDeferredMs: d.MaxDeferred.Milliseconds(),
			})
		}
		return tx.Create(&summaries).Error
	})
	if err != nil {
		return dbError(err, "record-end").Context("run_id", report.RunID).Build()
	}
	return nil
}

// List returns the most recent runs first, at most limit of them; a
// non-positive limit returns all runs.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, dbError(err, "list").Build()
	}
	return runs, nil
}

// Get returns one run with its channel summaries.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).Preload("Channels").Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Context("run_id", runID).
			Build()
	}
	if err != nil {
		return nil, dbError(err, "get").Context("run_id", runID).Build()
	}
	return &run, nil
}

// OnTransition implements lifecycle.Observer: runs are recorded when they
// go active from prestart and completed at end.
func (s *Store) OnTransition(t lifecycle.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch {
	case t.Action == lifecycle.ActionGo && t.From == lifecycle.Prestarted:
		err = s.RecordStart(ctx, t.RunID, t.RunNumber, t.At)
	case t.Action == lifecycle.ActionEnd && t.Report != nil:
		err = s.RecordEnd(ctx, t.Report)
	default:
		return
	}
	if err != nil {
		s.log.Error("failed to record run", logger.RunID(t.RunID), logger.Error(err))
	}
}

func dbError(err error, operation string) *errors.ErrorBuilder {
	return errors.New(err).
		Component(componentName).
		Category(errors.CategoryDatabase).
		Context("operation", operation)
}
