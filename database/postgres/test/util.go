package test

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"

	_ "github.com/jackc/pgx/v4/stdlib"
)

const (
	containerVersion  = "14-alpine"
	containerAutoKill = 120 // seconds

	user     = "postgres"
	password = "postgres"
	dbName   = "purchases_test"
)

// StartPostgresDB starts a disposable postgres container and returns its
// connection URL.
func StartPostgresDB(pool *dockertest.Pool) (string, error) {
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        containerVersion,
		Env: []string{
			"POSTGRES_USER=" + user,
			"POSTGRES_PASSWORD=" + password,
			"POSTGRES_DB=" + dbName,
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", errors.Wrap(err, "could not start postgres container")
	}

	// Kill the container after a timeout in case a test run leaks it.
	_ = resource.Expire(containerAutoKill)

	hostAndPort := resource.GetHostPort("5432/tcp")
	databaseURL := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, hostAndPort, dbName)
	return databaseURL, nil
}

// WaitForConnection polls the database until it accepts connections. The
// returned close function releases the connection pool.
func WaitForConnection(databaseURL string, ping bool) (*sql.DB, func(), error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not open database")
	}

	if ping {
		deadline := time.Now().Add(60 * time.Second)
		for {
			err = db.Ping()
			if err == nil {
				break
			}
			if time.Now().After(deadline) {
				_ = db.Close()
				return nil, nil, errors.Wrap(err, "timed out waiting for database")
			}
			time.Sleep(500 * time.Millisecond)
		}
	}

	closeFn := func() {
		_ = db.Close()
	}
	return db, closeFn, nil
}
