package app

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store/memory"
)

func TestOpenRuntimeMemoryDriver(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = StoreDriverMemory

	rt, err := OpenRuntime(context.Background(), cfg, shared.LoggerOrDiscard(nil))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(shared.LoggerOrDiscard(nil)) })

	require.IsType(t, &memory.Store{}, rt.Store)
	require.IsType(t, shared.NoopLocker{}, rt.Locker)
	require.Nil(t, rt.Pool)
	require.NoError(t, rt.Ready(httptest.NewRequest("GET", "/healthz", nil)))

	_, err = NewServices(ServicesParams{Config: cfg, Store: rt.Store, Locker: rt.Locker, Audit: rt.Audit, Keys: rt.Keys})
	require.NoError(t, err)
}

func TestNewServicesRejectsUnknownCurrency(t *testing.T) {
	cfg := testConfig()
	cfg.Currency = "XYZQ"
	_, err := NewServices(ServicesParams{Config: cfg, Store: memory.New()})
	require.Error(t, err)
}
