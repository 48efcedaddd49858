/*
Package servicebus hosts a service bus over a pluggable Transport.

It publishes and sends messages, installs typed subscriptions, issues requests that
block until a correlated response arrives or a deadline passes, and drives the
ordered start/stop/dispose of the bus services registered with it.
*/
package servicebus
