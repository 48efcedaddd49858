// Package lifecycle orders the startup and shutdown of bus services.
package lifecycle
