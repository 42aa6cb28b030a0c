// Package websocket serves the live admin event feed. The Hub is an
// events.Sink: every domain event envelope published to it is broadcast to
// the connected clients that subscribed to its type.
package websocket
