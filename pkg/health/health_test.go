package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/chainapi/pkg/logging"
)

func TestOverall(t *testing.T) {
	assert.Equal(t, StatusUp, Overall(nil))
	assert.Equal(t, StatusUnknown, Overall(map[string]Check{
		"a": {Status: StatusUp}, "b": {Status: StatusUnknown},
	}))
	assert.Equal(t, StatusDown, Overall(map[string]Check{
		"a": {Status: StatusUnknown}, "b": {Status: StatusDown},
	}))
}

func TestChainChecker(t *testing.T) {
	connected := false
	check := ChainChecker("ws://node:9944", func() bool { return connected })

	result := check(context.Background())
	assert.Equal(t, StatusDown, result.Status)
	assert.Contains(t, result.Message, "ws://node:9944")

	connected = true
	assert.Equal(t, StatusUp, check(context.Background()).Status)
}

func TestHandlerReportsDown(t *testing.T) {
	r := NewRegistry(logging.Nop())
	r.Register("redis", RedisChecker("localhost:6379", func(context.Context) error {
		return fmt.Errorf("connection refused")
	}))
	r.Register("kafka", KafkaChecker("localhost:9092", func(context.Context) error { return nil }))
	assert.Equal(t, []string{"kafka", "redis"}, r.Names())

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status Status `json:"status"`
		Checks map[string]struct {
			Status Status `json:"status"`
			Error  string `json:"error"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusDown, body.Status)
	assert.Equal(t, "connection refused", body.Checks["redis"].Error)
	assert.Equal(t, StatusUp, body.Checks["kafka"].Status)
	assert.False(t, r.IsHealthy(context.Background()))
}

func TestServicesChecker(t *testing.T) {
	results := map[string]error{"api": nil, "submitter": nil}
	check := ServicesChecker(func() map[string]error { return results })

	c := check(context.Background())
	assert.Equal(t, StatusUp, c.Status)
	assert.Equal(t, "services", c.Name)

	results["processor"] = fmt.Errorf("processor is STOPPING")
	results["submitter"] = fmt.Errorf("submitter is ERROR")
	c = check(context.Background())
	assert.Equal(t, StatusDown, c.Status)
	assert.EqualError(t, c.Error, "processor: processor is STOPPING")

	r := NewRegistry(logging.Nop())
	r.Register("services", check)
	assert.False(t, r.IsHealthy(context.Background()))
	delete(results, "processor")
	delete(results, "submitter")
	assert.True(t, r.IsHealthy(context.Background()))
}
