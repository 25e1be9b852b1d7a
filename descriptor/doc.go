// Package descriptor implements the buffer descriptors consumed by a
// descriptor based DMA engine, and the chains they form.
//
// A chain is a singly linked list of fixed-capacity records, each pointing at
// a segment of a caller owned buffer. The memory holding the descriptors is
// allocated outside of the Go heap so that its address stays stable while the
// hardware walks it, and so that the garbage collector never has to know about
// it.
package descriptor
