package tracking

import (
	"context"

	"github.com/rotisserie/eris"
)

// Open connects the configured backend. mongoDatabase is only consulted
// for the mongodb driver.
func Open(ctx context.Context, driver, dsn, mongoDatabase string) (Conn, error) {
	switch driver {
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, nil)
	case "mongodb":
		return NewMongo(ctx, dsn, mongoDatabase)
	default:
		return nil, eris.Errorf("tracking: unknown driver %q", driver)
	}
}
