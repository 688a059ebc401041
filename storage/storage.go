///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

// Handles the optional durable store for the pre-shuffle match matrix.
// Writing the matrix is an auditing/debugging convenience, never part of
// the correctness path: the hook that feeds this store is disabled by
// default and runs off the critical path.

package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the interface the audit hook writes through.
type Store interface {
	SaveMatrixRow(row *MatrixRow) error
	GetMatrix(queryID string) ([]*MatrixRow, error)
}

// MatrixRow is one pre-shuffle match-matrix entry: the obfuscation block
// the matching engine assigned to one bin of one query.
type MatrixRow struct {
	Id      uint64 `gorm:"primaryKey;autoIncrement:true"`
	QueryID string `gorm:"index;not null"`

	BinIndex uint64 `gorm:"not null"`
	Block    []byte `gorm:"not null"`

	CreatedAt time.Time
}

// DatabaseImpl implements Store with an underlying DB
type DatabaseImpl struct {
	db *gorm.DB // Stored database connection
}

// MapImpl implements Store with an underlying map
type MapImpl struct {
	rows map[string][]*MatrixRow
	sync.Mutex
}

// NewStore initializes the audit store backend. When connection
// information is missing or the database cannot be reached it falls back
// to the map backend, which is sufficient for debugging runs.
func NewStore(username, password, dbName, address, port string) (Store, error) {
	var err error
	var db *gorm.DB

	// Connect to the database if the correct information is provided
	if address != "" && port != "" {
		connectString := fmt.Sprintf(
			"host=%s port=%s user=%s dbname=%s sslmode=disable",
			address, port, username, dbName)
		// Handle empty database password
		if len(password) > 0 {
			connectString += fmt.Sprintf(" password=%s", password)
		}
		db, err = gorm.Open(postgres.Open(connectString), &gorm.Config{
			Logger: logger.New(jww.TRACE, logger.Config{LogLevel: logger.Info}),
		})
	}

	// Return the map backend in the event there is a database error or
	// information is not provided
	if (address == "" || port == "") || err != nil {
		if err != nil {
			jww.WARN.Printf("Unable to initialize audit store backend: %+v", err)
		} else {
			jww.WARN.Printf("Audit store connection information not provided")
		}

		defer jww.INFO.Println("Map backend initialized successfully!")
		return &MapImpl{
			rows: make(map[string][]*MatrixRow),
		}, nil
	}

	// Get and configure the internal database ConnPool
	sqlDb, err := db.DB()
	if err != nil {
		return nil, errors.Errorf("Unable to configure database connection pool: %+v", err)
	}
	sqlDb.SetMaxIdleConns(10)
	sqlDb.SetMaxOpenConns(50)
	sqlDb.SetConnMaxLifetime(24 * time.Hour)

	// Initialize the database schema
	if err = db.AutoMigrate(&MatrixRow{}); err != nil {
		return nil, err
	}

	jww.INFO.Println("Audit store backend initialized successfully!")
	return &DatabaseImpl{db: db}, nil
}

// SaveMatrixRow inserts one matrix row.
func (d *DatabaseImpl) SaveMatrixRow(row *MatrixRow) error {
	return d.db.Create(row).Error
}

// GetMatrix returns every stored row of one query's matrix in bin order.
func (d *DatabaseImpl) GetMatrix(queryID string) ([]*MatrixRow, error) {
	var rows []*MatrixRow
	err := d.db.Where("query_id = ?", queryID).
		Order("bin_index asc").Find(&rows).Error
	return rows, err
}

// SaveMatrixRow inserts one matrix row.
func (m *MapImpl) SaveMatrixRow(row *MatrixRow) error {
	m.Lock()
	defer m.Unlock()
	cp := *row
	m.rows[row.QueryID] = append(m.rows[row.QueryID], &cp)
	return nil
}

// GetMatrix returns every stored row of one query's matrix.
func (m *MapImpl) GetMatrix(queryID string) ([]*MatrixRow, error) {
	m.Lock()
	defer m.Unlock()
	rows, ok := m.rows[queryID]
	if !ok {
		return nil, errors.Errorf("no matrix stored for query %s", queryID)
	}
	out := make([]*MatrixRow, len(rows))
	copy(out, rows)
	return out, nil
}
