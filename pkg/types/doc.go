// Package types holds the data model shared by the load engine: stage profiles,
// run states, threshold outcomes, the final RunResult and scanner findings.
package types
