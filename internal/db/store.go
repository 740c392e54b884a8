package db

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"podlink/cli/internal/model"
)

const cfgKeyDefaultsSeeded = "connections.defaults_seeded"

// ConnectionStore persists user-defined connections. It shares the process
// wide db and never closes it.
type ConnectionStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewConnectionStore(db *gorm.DB) (*ConnectionStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &ConnectionStore{db: db, now: time.Now}, nil
}

func (s *ConnectionStore) ListConnections(ctx context.Context) ([]model.Connection, error) {
	var rows []Connection
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Connection, 0, len(rows))
	for _, row := range rows {
		conn, err := row.toModel()
		if err != nil {
			log.WithError(err).WithField("connection", row.ID).Warn("skipping unreadable connection")
			continue
		}
		out = append(out, conn)
	}
	return out, nil
}

func (s *ConnectionStore) GetConnection(ctx context.Context, id string) (model.Connection, error) {
	var row Connection
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Connection{}, model.NewError(model.CodeConnectorNotFound, "no connection "+id, nil)
	}
	if err != nil {
		return model.Connection{}, err
	}
	return row.toModel()
}

// CreateConnection stores conn under a fresh "engine.host.<uuid>.<host>" id.
func (s *ConnectionStore) CreateConnection(ctx context.Context, conn model.Connection) (model.Connection, error) {
	if err := validate(conn); err != nil {
		return model.Connection{}, err
	}
	conn.ID = model.ConnectorID("host."+uuid.NewString(), conn.Engine)
	conn.Runtime = conn.Engine.Runtime()
	row, err := fromModel(conn)
	if err != nil {
		return model.Connection{}, err
	}
	row.CreatedAt = s.now().UTC().UnixMilli()
	row.UpdatedAt = row.CreatedAt
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.Connection{}, err
	}
	return conn, nil
}

func (s *ConnectionStore) UpdateConnection(ctx context.Context, conn model.Connection) (model.Connection, error) {
	if err := validate(conn); err != nil {
		return model.Connection{}, err
	}
	current, err := s.GetConnection(ctx, conn.ID)
	if err != nil {
		return model.Connection{}, err
	}
	if current.Readonly {
		return model.Connection{}, model.NewError(model.CodeInvalidArgument, "connection "+conn.ID+" is readonly", nil)
	}
	if current.Engine != conn.Engine {
		return model.Connection{}, model.NewError(model.CodeInvalidArgument, "engine of a connection cannot change", nil)
	}
	conn.Runtime = conn.Engine.Runtime()
	row, err := fromModel(conn)
	if err != nil {
		return model.Connection{}, err
	}
	err = s.db.WithContext(ctx).Model(&Connection{}).Where("id = ?", conn.ID).Updates(map[string]any{
		"name":          row.Name,
		"label":         row.Label,
		"description":   row.Description,
		"disabled":      row.Disabled,
		"settings_json": row.SettingsJSON,
		"updated_at":    s.now().UTC().UnixMilli(),
	}).Error
	if err != nil {
		return model.Connection{}, err
	}
	return conn, nil
}

func (s *ConnectionStore) RemoveConnection(ctx context.Context, id string) error {
	current, err := s.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if current.Readonly {
		return model.NewError(model.CodeInvalidArgument, "connection "+id+" is readonly", nil)
	}
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&Connection{}).Error
}

// SeedDefaults stores conns the first time it is called on a db, later calls
// are no-ops even when the user removed the seeded rows.
func (s *ConnectionStore) SeedDefaults(ctx context.Context, conns []model.Connection) (bool, error) {
	seeded := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Config
		err := tx.Where("key = ?", cfgKeyDefaultsSeeded).Take(&row).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := s.now().UTC().UnixMilli()
		for i, conn := range conns {
			if err := validate(conn); err != nil {
				return err
			}
			conn.ID = model.ConnectorID("host."+uuid.NewString(), conn.Engine)
			conn.Runtime = conn.Engine.Runtime()
			r, err := fromModel(conn)
			if err != nil {
				return err
			}
			r.CreatedAt = now + int64(i)
			r.UpdatedAt = r.CreatedAt
			if err := tx.Create(&r).Error; err != nil {
				return err
			}
		}
		seeded = true
		return upsertValue(tx, cfgKeyDefaultsSeeded, "1", now)
	})
	return seeded, err
}

func upsertValue(tx *gorm.DB, key, value string, now int64) error {
	row := Config{Key: key, Value: value, UpdatedAt: now}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value":      row.Value,
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row).Error
}

func validate(conn model.Connection) error {
	if strings.TrimSpace(conn.Name) == "" {
		return model.NewError(model.CodeInvalidArgument, "connection name is required", nil)
	}
	if conn.Engine.Runtime() == "" || conn.Engine.Kind() == "" {
		return model.NewError(model.CodeInvalidArgument, "connection engine is invalid: "+string(conn.Engine), nil)
	}
	if conn.Runtime != "" && conn.Runtime != conn.Engine.Runtime() {
		return model.NewError(model.CodeInvalidArgument, "connection runtime does not match its engine", nil)
	}
	return nil
}

func fromModel(conn model.Connection) (Connection, error) {
	b, err := json.Marshal(conn.Settings)
	if err != nil {
		return Connection{}, err
	}
	return Connection{
		ID:           conn.ID,
		Name:         strings.TrimSpace(conn.Name),
		Label:        strings.TrimSpace(conn.Label),
		Description:  conn.Description,
		Runtime:      string(conn.Runtime),
		Engine:       string(conn.Engine),
		Disabled:     conn.Disabled,
		Readonly:     conn.Readonly,
		SettingsJSON: string(b),
	}, nil
}

func (row Connection) toModel() (model.Connection, error) {
	conn := model.Connection{
		ID:          row.ID,
		Name:        row.Name,
		Label:       row.Label,
		Description: row.Description,
		Runtime:     model.ContainerRuntime(row.Runtime),
		Engine:      model.EngineHost(row.Engine),
		Disabled:    row.Disabled,
		Readonly:    row.Readonly,
	}
	if strings.TrimSpace(row.SettingsJSON) != "" {
		if err := json.Unmarshal([]byte(row.SettingsJSON), &conn.Settings); err != nil {
			return model.Connection{}, err
		}
	}
	return conn, nil
}
