// The catalog server records everything the scanner workers publish and
// serves the read-only API the map viewer renders from.
package main

import (
	"context"
	"flag"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.minimaps.dev/infra/catalog/go/catalogstore/sqlcatalogstore"
	"go.minimaps.dev/infra/catalog/go/tilestore/fromenv"
	"go.minimaps.dev/infra/catalog/go/web"
	"go.minimaps.dev/infra/go/httputils"
	"go.minimaps.dev/infra/go/metrics2"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/go/sql/pool"
)

// flags
var (
	port             = flag.String("port", ":8000", "HTTP service address (e.g., ':8000')")
	promPort         = flag.String("prom_port", ":20000", "Metrics service address (e.g., ':20000')")
	connectionString = flag.String("connection_string", "", "Database connection string, e.g. 'postgresql://root@localhost:5432/catalog'. Required.")
)

func main() {
	flag.Parse()
	if *connectionString == "" {
		mmlog.Fatal("--connection_string is required.")
	}
	metrics2.InitPrometheus(*promPort)

	ctx := context.Background()
	db, err := pool.New(ctx, *connectionString)
	if err != nil {
		mmlog.Fatalf("Connecting to the database: %s", err)
	}
	tiles, err := fromenv.New(ctx)
	if err != nil {
		mmlog.Fatalf("Opening the tile store: %s", err)
	}

	router := chi.NewRouter()
	web.New(sqlcatalogstore.New(db), tiles).RegisterHandlers(router)

	h := httputils.Healthz(httputils.LoggingRequestResponse(router))
	mmlog.Info("Ready to serve.")
	mmlog.Fatal(http.ListenAndServe(*port, h))
}
