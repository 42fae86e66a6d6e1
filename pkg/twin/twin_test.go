package twin

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/longbridgeapp/assert"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hyp3rd/twincache/internal/sentinel"
)

func TestNames(t *testing.T) {
	names := Names(Twin{
		DeviceID: "d1",
		Tags: map[string]any{
			"Building": "B1",
			"Location": map[string]any{"Floor": 3, "Room": map[string]any{"Name": "lab"}},
			"Empty":    map[string]any{},
		},
		Reported: map[string]any{
			"Protocol":         "MQTT",
			"SupportedMethods": []any{"Reboot"},
		},
	})

	assert.Equal(t, []string{"Building", "Empty", "Location.Floor", "Location.Room.Name"}, names.Tags)
	assert.Equal(t, []string{"Protocol", "SupportedMethods"}, names.ReportedProperties)

	empty := Names(Twin{DeviceID: "d2"})
	assert.Equal(t, []string{}, empty.Tags)
}

func runRegistryTests(t *testing.T, registry Registry) {
	t.Helper()

	ctx := context.Background()

	_, err := registry.Get(ctx, "acme", "missing")
	assert.True(t, errors.Is(err, sentinel.ErrKeyNotFound))

	_, err = registry.Upsert(ctx, Twin{TenantID: "acme"})
	assert.True(t, errors.Is(err, sentinel.ErrParamCannotBeEmpty))

	stored, err := registry.Upsert(ctx, Twin{
		TenantID: "acme",
		DeviceID: "d1",
		Tags:     map[string]any{"Building": "B1"},
		Reported: map[string]any{"Protocol": "MQTT"},
	})
	require.NoError(t, err)
	assert.True(t, stored.Etag != "")
	assert.False(t, stored.LastUpdated.IsZero())

	_, err = registry.Upsert(ctx, Twin{
		TenantID: "globex",
		DeviceID: "d1",
		Tags:     map[string]any{"Floor": 2, "Building": "B7"},
	})
	require.NoError(t, err)

	got, err := registry.Get(ctx, "acme", "d1")
	require.NoError(t, err)
	assert.Equal(t, stored.Etag, got.Etag)
	assert.Equal(t, "B1", got.Tags["Building"])

	names, err := registry.GetDeviceTwinNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Building", "Floor"}, names.Tags)
	assert.Equal(t, []string{"Protocol"}, names.ReportedProperties)
}

func TestInMemory(t *testing.T) {
	runRegistryTests(t, NewInMemory())
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("TWINCACHE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TWINCACHE_TEST_REDIS_ADDR not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	registry, err := NewRedis(client, "twincache-test-twins")
	require.NoError(t, err)
	require.NoError(t, client.Del(context.Background(), registry.hashKey()).Err())

	runRegistryTests(t, registry)
}
