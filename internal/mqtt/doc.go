// Package mqtt forwards agent run events to an MQTT broker so runs can
// be watched from dashboards and automations without tailing logs.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. Every bus event is published
// as JSON to <topic>/<source>/<kind>. On every (re-)connect a retained
// "online" message goes to <topic>/status, and a will message flips it
// to "offline" on unexpected disconnects. A retained daily token
// counter is published to <topic>/tokens_today after each run.
package mqtt
