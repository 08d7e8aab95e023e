package db

import (
	"database/sql"
	"database/sql/driver"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Queryer is the subset of *sql.DB the warehouse packages need for DML.
type Queryer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	Close() error
}

// Execer is the subset of *sql.DB used for DDL statements.
type Execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Close() error
}

type loggingQueryer struct {
	queryer    Queryer
	logger     log.FieldLogger
	logQueries bool
}

// NewLoggingQueryer wraps queryer, logging each statement at debug level when
// logQueries is set.
func NewLoggingQueryer(queryer Queryer, logger log.FieldLogger, logQueries bool) *loggingQueryer {
	return &loggingQueryer{
		queryer:    queryer,
		logger:     logger,
		logQueries: logQueries,
	}
}

func (l *loggingQueryer) Query(query string, args ...interface{}) (*sql.Rows, error) {
	if l.logQueries {
		l.logger.Debugf("QUERY: %s [%s]", query, argsString(args...))
	}
	return l.queryer.Query(query, args...)
}

func (l *loggingQueryer) Close() error {
	return l.queryer.Close()
}

type loggingExecer struct {
	execer     Execer
	logger     log.FieldLogger
	logQueries bool
}

func NewLoggingExecer(execer Execer, logger log.FieldLogger, logQueries bool) *loggingExecer {
	return &loggingExecer{
		execer:     execer,
		logger:     logger,
		logQueries: logQueries,
	}
}

func (l *loggingExecer) Exec(query string, args ...interface{}) (sql.Result, error) {
	if l.logQueries {
		l.logger.Debugf("EXEC: %s [%s]", query, argsString(args...))
	}
	return l.execer.Exec(query, args...)
}

func (l *loggingExecer) Close() error {
	return l.execer.Close()
}

// argsString pretty prints query arguments for logging.
func argsString(args ...interface{}) string {
	var margs string
	for i, a := range args {
		var v interface{} = a
		if x, ok := v.(driver.Valuer); ok {
			if y, err := x.Value(); err == nil {
				v = y
			}
		}
		switch v.(type) {
		case string, []byte:
			v = fmt.Sprintf("%q", v)
		default:
			v = fmt.Sprintf("%v", v)
		}
		margs += fmt.Sprintf("%d:%s", i+1, v)
		if i+1 < len(args) {
			margs += " "
		}
	}
	return margs
}
