/*
Package correlation tracks in-flight requests awaiting a correlated response.

A Registry maps correlation identifiers to Pending requests. Delivery goroutines
claim an entry with Take, which removes it atomically, so at most one response
completes a request; the waiting caller removes it with Remove when its deadline
fires. Whichever side removes the entry decides the outcome, and the entry is
removed exactly once.
*/
package correlation
