package gwstats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.EventsStored().Inc()
	m.EventsStored().Add(2)

	snap := m.Snapshot()
	require.Equal(t, 3.0, snap["gateway_events_stored_total"])
}

func TestPerConnectorCounterIsLazilyRegistered(t *testing.T) {
	m := New()
	m.IncConnectorMessages("mqtt-conn")
	m.IncConnectorMessages("mqtt-conn")
	m.IncConnectorMessages("modbus-conn")

	snap := m.Snapshot()
	require.Equal(t, 2.0, snap["gateway_connector_messages_total.mqtt-conn"])
	require.Equal(t, 1.0, snap["gateway_connector_messages_total.modbus-conn"])
}

func TestCloudConnectedGauge(t *testing.T) {
	m := New()
	m.CloudConnected().Set(1)

	snap := m.Snapshot()
	require.Equal(t, 1.0, snap["gateway_cloud_connected"])
}
