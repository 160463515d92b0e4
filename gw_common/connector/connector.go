// Package connector defines the contract the core consumes from protocol
// connectors (spec.md §6, "Connector contract (consumed)"). Connectors
// themselves — MQTT, Modbus, OPC-UA, BLE, REST, SNMP, CAN, BACnet, ODBC,
// FTP — are out of scope (spec.md §1); this package only names the surface
// the core calls through, following Design Note §9's guidance to model the
// original's abstract-method base as an injected interface rather than a
// virtual call.
package connector

import "context"

// RPCResult is what a connector returns from ServerSideRPCHandler. A nil
// Result with a nil error means "not handled by this connector" (spec.md
// §4.6's "first to return a non-null result wins" broadcast rule).
type RPCResult struct {
	Result interface{}
	Error  string
}

// Connector is the surface the core calls on every loaded protocol
// connector.
type Connector interface {
	// Name returns the connector's configured name, used as the
	// registry's connectorName and as the routing key for
	// sendToStorage.
	Name() string

	// Type returns the connector's protocol type (e.g. "mqtt", "modbus"),
	// used by the RPC dispatcher to route method-prefix broadcasts.
	Type() string

	// Close releases any resources the connector holds. Called during
	// shutdown and connector-configuration reload.
	Close() error

	// ServerSideRPCHandler is invoked for RPCs the dispatcher has routed
	// to this connector, either because the request named a device this
	// connector owns, or because the request's method prefix matched
	// this connector's Type() during a broadcast.
	ServerSideRPCHandler(ctx context.Context, content map[string]interface{}) (*RPCResult, error)

	// OnAttributesUpdate delivers a device-targeted shared/client
	// attribute update to the connector that owns the device.
	OnAttributesUpdate(ctx context.Context, content map[string]interface{})
}
