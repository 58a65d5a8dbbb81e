// Package remote defines the Authority interface the syncer pushes to
// and pulls from, the websocket client that speaks to a live
// authority, and a development authority server.
package remote
