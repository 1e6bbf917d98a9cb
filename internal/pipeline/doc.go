// Package pipeline drives the per-slide submission sequence.
//
// For every selected slide, in catalog order:
//   - build and write the GPU and CPU artifacts
//   - submit the GPU artifact
//   - if it was rejected, record the slide and move on; the CPU artifact is
//     never submitted
//   - otherwise submit the CPU artifact with an afterok dependency on the
//     GPU job id
//
// A slide's failure never affects another slide. The manifest is assembled
// in memory and persisted once, after the last slide, to every configured
// sink. Recorders observe each result as it is produced.
package pipeline
