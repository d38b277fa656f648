// Package reconstruction drives the slice-to-volume reconstruction toolkit.
//
// The registration and super-resolution mathematics run inside the external
// SVRTK binary. This package turns the pipeline's stacks, template, mask and
// acquisition parameters into the toolkit's command line, runs it in a
// dedicated working directory and checks that a volume came out.
package reconstruction
