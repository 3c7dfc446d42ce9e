// Package federation serves and calls the partial-evaluation service run by
// each federation server taking part in cooperative handle derivation.
package federation
