// Package dedupe suppresses webhook redeliveries of the same inbound message
// within a configurable window.
package dedupe
