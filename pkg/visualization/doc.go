// Package visualization renders preview slices of reconstructed volumes so a
// run can be checked without opening a viewer.
package visualization
