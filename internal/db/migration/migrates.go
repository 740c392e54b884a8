package migration

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type step struct {
	name string
	run  func(*Migration) error
}

var steps = []step{
	{name: "connections-runtime-from-engine", run: runtimeFromEngine},
}

// Migration is passed to each migration step. DB is set by RunAll.
type Migration struct {
	DB   *gorm.DB
	logs []string
}

func (m *Migration) Log(v ...interface{}) {
	m.logs = append(m.logs, fmt.Sprint(v...))
}

// RunAll runs all registered migrations in order. Used for data/behavior one-shots; schema is synced via db.SyncSchema.
func RunAll(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	ctx := &Migration{DB: db}
	for _, s := range steps {
		ctx.logs = nil
		if err := s.run(ctx); err != nil {
			return errors.Wrapf(err, "migration %s failed", s.name)
		}
		for _, l := range ctx.logs {
			log.WithField("migration", s.name).Debug(l)
		}
	}
	return nil
}

// runtimeFromEngine fills the runtime of rows written before it was stored,
// "podman.remote" has runtime "podman".
func runtimeFromEngine(m *Migration) error {
	res := m.DB.Exec(`UPDATE connections SET runtime = substr(engine, 1, instr(engine, '.') - 1) WHERE runtime = '' AND instr(engine, '.') > 1`)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		m.Log("filled runtime of ", res.RowsAffected, " connections")
	}
	return nil
}
