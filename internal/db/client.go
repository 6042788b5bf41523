package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/godror/godror"
	_ "github.com/ibmdb/go_ibm_db"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/barryq93/db2prom/internal/types"
)

// Handle is the live-connection surface query runners consume. The
// supervisor hands these out and is the only component allowed to open or
// close them.
type Handle interface {
	Query(ctx context.Context, sql string) ([][]interface{}, error)
	Ping(ctx context.Context) error
	Close() error
}

// Client wraps a sqlx pool for one configured connection.
type Client struct {
	db     *sqlx.DB
	dbType string
	id     string
}

// Open builds the driver-specific DSN and opens the pool. The connection is
// not verified here; callers ping before declaring it live.
func Open(conn types.Connection) (*Client, error) {
	var driver, dsn string
	switch conn.DBType {
	case "DB2":
		driver = "go_ibm_db"
		dsn = fmt.Sprintf("HOSTNAME=%s;PORT=%d;DATABASE=%s;UID=%s;PWD=%s;PROTOCOL=TCPIP",
			conn.DBHost, conn.DBPort, conn.DBName, conn.DBUser, conn.DBPasswd)
		if conn.TLSEnabled {
			dsn += ";SECURITY=SSL"
			if conn.TLSCACertFile != "" {
				dsn += ";SSLServerCertificate=" + conn.TLSCACertFile
			}
		}
	case "Oracle":
		driver = "godror"
		dsn = fmt.Sprintf(`user=%q password=%q connectString="%s:%d/%s"`,
			conn.DBUser, conn.DBPasswd, conn.DBHost, conn.DBPort, conn.DBName)
		if conn.TLSEnabled {
			dsn += ` ssl=true sslVerify=true`
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", conn.DBType)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s connection to %s", conn.DBType, conn.ID())
	}
	if conn.MaxConns > 0 {
		db.SetMaxOpenConns(conn.MaxConns)
	} else {
		db.SetMaxOpenConns(1)
	}
	if conn.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(time.Duration(conn.IdleTimeout) * time.Second)
	}
	return &Client{db: db, dbType: conn.DBType, id: conn.ID()}, nil
}

// Query executes the statement and returns every row as a positional slice
// of column values, 0-indexed internally; gauge specs address them 1-based.
func (c *Client) Query(ctx context.Context, query string) ([][]interface{}, error) {
	rows, err := c.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results [][]interface{}
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	return c.db.Close()
}
