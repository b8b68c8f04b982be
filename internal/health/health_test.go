package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"wgmon/internal/sampler"
)

type lastFunc func() sampler.Result

func (f lastFunc) Last() sampler.Result { return f() }

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return errors.New("down") }

	for name, tc := range map[string]struct {
		checks map[string]Check
		want   int
	}{
		"all ok":  {map[string]Check{"db": ok, "sampler": ok}, http.StatusOK},
		"one bad": {map[string]Check{"db": ok, "sampler": bad}, http.StatusServiceUnavailable},
		"none":    {nil, http.StatusOK},
	} {
		t.Run(name, func(t *testing.T) {
			r := mux.NewRouter()
			RegisterRoutesWithChecks(r, tc.checks)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestSamplerCheck(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	check := func(res sampler.Result) error {
		return Sampler(lastFunc(func() sampler.Result { return res }), 10*time.Second, clock)(context.Background())
	}

	assert.Error(t, check(sampler.Result{}))
	assert.NoError(t, check(sampler.Result{TakenAt: now.Add(-2 * time.Second)}))
	assert.Error(t, check(sampler.Result{TakenAt: now.Add(-2 * time.Second), Stale: true}))
	assert.Error(t, check(sampler.Result{TakenAt: now.Add(-time.Minute)}))
	assert.NoError(t, DB(nil)(context.Background()))
}
