// Package jsonx is the JSON codec used on the stratum and dashboard hot paths.
// Builds use sonic by default; the nojsonsimd tag switches to encoding/json
// for platforms sonic does not support.
package jsonx
