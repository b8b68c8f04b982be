package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"wgmon/internal/models"
	"wgmon/internal/sampler"
)

// Check - одна проверка готовности; nil означает "готов".
type Check func(ctx context.Context) error

// RegisterRoutes - базовый liveness.
func RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", liveness).Methods(http.MethodGet)
}

// RegisterRoutesWithChecks - liveness + readiness по именованным проверкам.
func RegisterRoutesWithChecks(r *mux.Router, checks map[string]Check) {
	RegisterRoutes(r)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			models.WriteError(w, http.StatusServiceUnavailable, "not ready", failed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
}

// DB - ping базы. Без БД (in-memory режим) проверка проходит.
func DB(db *gorm.DB) Check {
	return func(ctx context.Context) error {
		if db == nil {
			return nil
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("db handle: %w", err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("db unreachable: %w", err)
		}
		return nil
	}
}

// Sampler - последний замер интерфейса удачен и не старше maxAge.
func Sampler(s interface{ Last() sampler.Result }, maxAge time.Duration, now func() time.Time) Check {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) error {
		res := s.Last()
		switch {
		case res.TakenAt.IsZero():
			return fmt.Errorf("no interface sample yet")
		case res.Stale:
			return fmt.Errorf("interface sample is stale since %s", res.TakenAt.UTC().Format(time.RFC3339))
		case now().Sub(res.TakenAt) > maxAge:
			return fmt.Errorf("last interface sample is %s old", now().Sub(res.TakenAt).Round(time.Second))
		}
		return nil
	}
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
