package store

import (
	"database/sql"
	"fmt"
	"log"
	"sort"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/rfprobe/skytap/internal/checksum"
	"github.com/rfprobe/skytap/internal/frame"
	"github.com/rfprobe/skytap/internal/model"
	"github.com/rfprobe/skytap/internal/session"
)

// Config holds store configuration
type Config struct {
	Path string // Path to SQLite snapshot file
}

// Store persists {MessageModel, SessionState} snapshots so a
// protocol-learning session can be resumed. A reloaded snapshot
// round-trips exactly: Match and Synthesize behave identically.
type Store struct {
	db *gorm.DB
}

// Snapshot is the loadable session snapshot
type Snapshot struct {
	Model      *model.MessageModel
	Counters   map[session.SlotKey]byte
	Tokens     map[session.SlotKey][]byte
	LastUpdate time.Time
	LastAck    time.Time
}

// Open creates the snapshot store with the pure Go SQLite driver
func Open(config Config, log *log.Logger) (*Store, error) {
	var gormLog logger.Interface
	if log != nil {
		gormLog = logger.New(
			log,
			logger.Config{
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		)
	} else {
		gormLog = logger.Default.LogMode(logger.Silent)
	}

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        config.Path,
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLog,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if err := configureSQLite(sqlDB); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&TemplateRecord{}, &SlotRecord{}, &CounterRecord{}, &TokenRecord{}, &SessionRecord{}); err != nil {
		return nil, err
	}

	if log != nil {
		log.Printf("Snapshot store initialized: %s", config.Path)
	}

	return &Store{db: db}, nil
}

// configureSQLite applies the usual SQLite pragmas
func configureSQLite(sqlDB *sql.DB) error {
	pragmaSettings := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=memory",
	}

	for _, pragma := range pragmaSettings {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}

	return nil
}

// Save replaces the stored snapshot with the given model and session
// state, atomically: a failed save leaves the previous snapshot intact.
func (s *Store) Save(m *model.MessageModel, snap session.Snapshot) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, table := range []string{"slots", "templates", "session_counters", "session_tokens", "session_state"} {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return err
			}
		}

		for _, t := range m.Templates() {
			rec := TemplateRecord{
				TemplateID: t.ID,
				Length:     t.Length,
				Direction:  uint8(t.Direction),
				Observed:   t.Observed,
				Stable:     t.Stable,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}

			for pos, slot := range t.Slots {
				sr := SlotRecord{
					TemplateID: t.ID,
					Position:   pos,
					Offset:     slot.Offset,
					Length:     slot.Length,
					Kind:       uint8(slot.Kind),
					Value:      slot.Value,
					Stride:     slot.Stride,
					Algorithm:  uint8(slot.Algorithm),
					EnumValues: encodeEnumValues(slot.Values),
				}
				if err := tx.Create(&sr).Error; err != nil {
					return err
				}
			}
		}

		for key, value := range snap.Counters {
			cr := CounterRecord{TemplateID: key.TemplateID, Offset: key.Offset, Value: value}
			if err := tx.Create(&cr).Error; err != nil {
				return err
			}
		}

		for key, tok := range snap.Tokens {
			tr := TokenRecord{TemplateID: key.TemplateID, Offset: key.Offset, Bytes: tok}
			if err := tx.Create(&tr).Error; err != nil {
				return err
			}
		}

		sr := SessionRecord{
			ID:         1,
			LastUpdate: snap.LastUpdate,
			LastAck:    snap.LastAck,
			SavedAt:    time.Now(),
		}
		return tx.Create(&sr).Error
	})
}

// Load reconstructs the persisted snapshot. Returns gorm.ErrRecordNotFound
// when no snapshot has been saved.
func (s *Store) Load() (*Snapshot, error) {
	var templateRecs []TemplateRecord
	if err := s.db.Order("template_id").Find(&templateRecs).Error; err != nil {
		return nil, err
	}
	if len(templateRecs) == 0 {
		return nil, gorm.ErrRecordNotFound
	}

	var slotRecs []SlotRecord
	if err := s.db.Order("template_id, position").Find(&slotRecs).Error; err != nil {
		return nil, err
	}

	slotsByTemplate := make(map[uint32][]SlotRecord)
	for _, sr := range slotRecs {
		slotsByTemplate[sr.TemplateID] = append(slotsByTemplate[sr.TemplateID], sr)
	}

	templates := make([]model.MessageTemplate, 0, len(templateRecs))
	for _, tr := range templateRecs {
		recs := slotsByTemplate[tr.TemplateID]
		sort.Slice(recs, func(i, j int) bool { return recs[i].Position < recs[j].Position })

		slots := make([]model.FieldSlot, len(recs))
		for i, sr := range recs {
			values, err := decodeEnumValues(sr.EnumValues)
			if err != nil {
				return nil, fmt.Errorf("corrupt enum values for template %d slot %d: %v", sr.TemplateID, sr.Position, err)
			}

			slots[i] = model.FieldSlot{
				Offset:    sr.Offset,
				Length:    sr.Length,
				Kind:      model.FieldKind(sr.Kind),
				Value:     sr.Value,
				Stride:    sr.Stride,
				Algorithm: checksum.Algorithm(sr.Algorithm),
				Values:    values,
			}
		}

		templates = append(templates, model.MessageTemplate{
			ID:        tr.TemplateID,
			Length:    tr.Length,
			Direction: frame.Direction(tr.Direction),
			Slots:     slots,
			Observed:  tr.Observed,
			Stable:    tr.Stable,
		})
	}

	m := model.New(templates)
	m.Freeze()

	snap := &Snapshot{
		Model:    m,
		Counters: make(map[session.SlotKey]byte),
		Tokens:   make(map[session.SlotKey][]byte),
	}

	var counterRecs []CounterRecord
	if err := s.db.Find(&counterRecs).Error; err != nil {
		return nil, err
	}
	for _, cr := range counterRecs {
		snap.Counters[session.SlotKey{TemplateID: cr.TemplateID, Offset: cr.Offset}] = cr.Value
	}

	var tokenRecs []TokenRecord
	if err := s.db.Find(&tokenRecs).Error; err != nil {
		return nil, err
	}
	for _, tr := range tokenRecs {
		snap.Tokens[session.SlotKey{TemplateID: tr.TemplateID, Offset: tr.Offset}] = tr.Bytes
	}

	var sessionRec SessionRecord
	if err := s.db.First(&sessionRec).Error; err == nil {
		snap.LastUpdate = sessionRec.LastUpdate
		snap.LastAck = sessionRec.LastAck
	}

	return snap, nil
}

// Health checks if the database connection is healthy
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
