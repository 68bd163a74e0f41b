/*
Package health provides one-shot health checkers behind a shared
Checker interface: an HTTP checker issues a single request and judges
it by its status code range (it does not read the response body), and
a TCP checker confirms an address is accepting connections.

The Local Adapter's start gate uses the TCP checker to wait for the
container's published port; its /healthz poll with backoff (base
100ms, factor 1.6, cap 1.5s, 15s budget) and the {ok:true} body check
live in pkg/adapter, not here. Status tracks consecutive successes/failures with
simple hysteresis, in case a future caller wants steady-state monitoring
beyond the one-shot start gate this core currently needs.
*/
package health
