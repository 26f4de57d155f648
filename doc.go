// Package soloport enforces single-instance execution through an endpoint
// mutex. The first process to bind an exclusive TCP endpoint becomes the
// host; every later instance loses the bind, forwards its invocation
// arguments to the host over a one-message relay protocol, and steps aside.
// The host publishes each forwarded argument set to registered observers in
// arrival order.
//
// Acquire runs the race and reports the outcome explicitly. AcquireHost and
// AcquireOrExit layer the two single-instance policies on top of it: the
// first surfaces the lost race as a catchable *AlreadyRunningError, the
// second terminates the process silently. WithHost scopes an acquisition so
// the endpoint is released on every exit path.
package soloport
