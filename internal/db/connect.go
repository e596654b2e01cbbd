package db

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Opts selects and addresses the journal database.
type Opts struct {
	Driver string
	// Path is the sqlite file, or ":memory:".
	Path     string
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// DSN builds a MySQL DSN for opts.
func DSN(opts Opts) string {
	cfg := gomysql.NewConfig()
	cfg.User = opts.User
	if cfg.User == "" {
		cfg.User = "root"
	}
	cfg.Passwd = opts.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	cfg.DBName = opts.Database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// Connect opens a GORM connection for opts with gorm's logger silenced.
func Connect(opts Opts) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverSQLite, "":
		if opts.Path == "" {
			return nil, errors.New("db: sqlite path is required")
		}
		dialector = sqlite.Open(opts.Path)
	case DriverMySQL:
		if opts.Host == "" || opts.Database == "" {
			return nil, errors.New("db: mysql host and database are required")
		}
		dialector = mysql.Open(DSN(opts))
	default:
		return nil, fmt.Errorf("db: unknown driver %q", opts.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", describe(opts), err)
	}
	return db, nil
}

func describe(opts Opts) string {
	if opts.Driver == DriverMySQL {
		return fmt.Sprintf("mysql %s:%d/%s", opts.Host, opts.Port, opts.Database)
	}
	return "sqlite " + opts.Path
}
