package schema

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusinessName(t *testing.T) {
	assert.Equal(t, "Orders", businessName("orders"))
	assert.Equal(t, "Order Items", businessName("order_items"))
	assert.Equal(t, "Daily Revenue Summary", businessName("daily_revenue_summary"))
}

func TestClickHouseDiscovererConfig_Validate(t *testing.T) {
	cfg := &ClickHouseDiscovererConfig{Logger: slog.Default(), Addr: "localhost:9000"}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "default", cfg.Database)
	assert.Equal(t, defaultMaxSampleValues, cfg.MaxSampleValues)

	missing := &ClickHouseDiscovererConfig{Logger: slog.Default()}
	assert.Error(t, missing.Validate())
}
