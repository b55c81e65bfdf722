package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gateway-fm/popfuzz/internal/rpc"
)

// InstrumentedClient records the latency of every call of an rpc.Client.
type InstrumentedClient struct {
	rpc.Client
	metrics *PrometheusMetrics
}

var _ rpc.Client = (*InstrumentedClient)(nil)

// Instrument wraps c. A nil metrics returns c unchanged.
func Instrument(c rpc.Client, m *PrometheusMetrics) rpc.Client {
	if m == nil {
		return c
	}
	return &InstrumentedClient{Client: c, metrics: m}
}

func (c *InstrumentedClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	start := time.Now()
	res, err := c.Client.Call(ctx, method, params)
	c.metrics.RecordRPCLatency(method, err == nil, time.Since(start))
	return res, err
}

func (c *InstrumentedClient) BatchCall(ctx context.Context, calls []rpc.BatchRequest) ([]rpc.BatchResponse, error) {
	start := time.Now()
	res, err := c.Client.BatchCall(ctx, calls)
	elapsed := time.Since(start)
	for i, call := range calls {
		ok := err == nil && i < len(res) && res[i].Error == nil
		c.metrics.RecordRPCLatency(call.Method, ok, elapsed)
	}
	return res, err
}
