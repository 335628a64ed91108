// Package remote implements the transports that exchange a turn with a
// remote bot process: a synchronous webhook client, an asynchronous
// redis pub/sub path and a websocket push gateway. The asynchronous paths
// correlate responses to requests by request id through a Correlator with
// a bounded wait; a missing response within the timeout surfaces as
// NO_REMOTE_RESPONSE and late responses are discarded.
package remote
