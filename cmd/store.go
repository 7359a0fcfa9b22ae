package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ejscreen-cli/internal/config"
	"github.com/sells-group/ejscreen-cli/internal/store"
)

// initStore opens and migrates the run store. A nil store means run records
// are disabled.
func initStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Driver {
	case "none", "":
		return nil, nil
	case "sqlite":
		st, err = store.NewSQLite(c.Path)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// requireStore is initStore for commands that only make sense with a store.
func requireStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, eris.New("no run store configured (EJSCREEN_STORE_DRIVER)")
	}
	return st, nil
}
