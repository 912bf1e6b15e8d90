package data

import (
	"io"
	"log"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectMySQL opens a gorm DB with sane defaults. Unique-key violations surface as
// gorm.ErrDuplicatedKey.
func ConnectMySQL(dsn string, logOut io.Writer) (*gorm.DB, error) {
	dsn = ensureParam(dsn, "parseTime", "true")
	if !strings.Contains(dsn, "charset=") {
		dsn = ensureParam(dsn, "charset", "utf8mb4")
		dsn = ensureParam(dsn, "collation", "utf8mb4_unicode_ci")
	}

	return gorm.Open(mysql.Open(dsn), GormConfig(logOut))
}

// GormConfig is shared by every dialect the service opens.
func GormConfig(logOut io.Writer) *gorm.Config {
	if logOut == nil {
		logOut = log.Writer()
	}
	gormLogger := logger.New(
		log.New(logOut, "", 0),
		logger.Config{SlowThreshold: time.Second, LogLevel: logger.Warn, IgnoreRecordNotFoundError: true, Colorful: false},
	)
	return &gorm.Config{Logger: gormLogger, TranslateError: true}
}

func ensureParam(dsn, key, val string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + val
}
