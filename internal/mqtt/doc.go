// Package mqtt forwards operational events from the in-process bus to an
// MQTT broker. Each event is published as JSON on
// <prefix>/events/<kind>; <prefix>/availability carries a retained
// "online"/"offline" status backed by a will message.
//
// Connection management is Eclipse Paho v2's [autopaho], which
// reconnects on its own. Events that arrive while the broker is
// unreachable are dropped.
package mqtt
