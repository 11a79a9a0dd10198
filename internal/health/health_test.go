package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(msg string) Check {
	return func(context.Context) error { return errors.New(msg) }
}

func TestRun_Aggregation(t *testing.T) {
	tests := []struct {
		name string
		reg  func(c *Checker)
		want Status
	}{
		{"empty", func(*Checker) {}, StatusHealthy},
		{"all healthy", func(c *Checker) {
			c.Register("store", true, ok)
			c.Register("capture", false, ok)
		}, StatusHealthy},
		{"non-critical failure degrades", func(c *Checker) {
			c.Register("store", true, ok)
			c.Register("capture", false, failing("no devices"))
		}, StatusDegraded},
		{"critical failure", func(c *Checker) {
			c.Register("store", true, failing("locked"))
			c.Register("capture", false, failing("no devices"))
		}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			tt.reg(c)
			assert.Equal(t, tt.want, c.Run(context.Background()).Status)
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	c := NewChecker()
	c.timeout = 20 * time.Millisecond
	c.Register("store", true, ok)
	c.Register("stuck", false, func(context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusDegraded, report.Components["stuck"].Status)
	assert.Contains(t, report.Components["stuck"].Error, "deadline")
	assert.Equal(t, []string{"store", "stuck"}, c.Names())
}

func TestHandler(t *testing.T) {
	c := NewChecker()
	c.Register("store", true, failing("closed"))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "closed", report.Components["store"].Error)
}
